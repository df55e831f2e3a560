package sim

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/smp"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpenValidatesAndLooksUp(t *testing.T) {
	tr := NewTransport(testLog(), NewDevice("AA:BB:CC:DD:EE:FF"))

	_, err := tr.Open(context.Background(), "not-a-device")
	assert.ErrorIs(t, err, transfer.ErrInvalidDevice)

	_, err = tr.Open(context.Background(), "11:22:33:44:55:66")
	assert.ErrorIs(t, err, transfer.ErrUnavailable)

	h, err := tr.Open(context.Background(), "aa-bb-cc-dd-ee-ff")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", h.DeviceID())
	require.NoError(t, tr.Close(h))
	require.NoError(t, tr.Close(h))
}

func TestOpenHonoursCanceledContext(t *testing.T) {
	tr := NewTransport(testLog(), NewDevice("AA:BB:CC:DD:EE:FF"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Open(ctx, "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendAfterCloseFails(t *testing.T) {
	tr := NewTransport(testLog(), NewDevice("AA:BB:CC:DD:EE:FF"))
	h, err := tr.Open(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	c := h.(*Conn)
	require.NoError(t, tr.Close(h))

	assert.ErrorIs(t, c.Send([]byte{0}), transfer.ErrClosed)
	_, open := <-c.Recv()
	assert.False(t, open)
}

func TestConfigureSplitsResponses(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	d.Put("/f", make([]byte, 90))
	tr := NewTransport(testLog(), d)
	h, err := tr.Open(context.Background(), d.Address)
	require.NoError(t, err)
	defer tr.Close(h)
	require.NoError(t, tr.Configure(context.Background(), h, linkcfg.Options{PreferredPacketSize: 32}))

	req, err := smp.EncodeReadRequest(1, smp.FileReadRequest{Name: "/f"})
	require.NoError(t, err)
	c := h.(*Conn)
	require.NoError(t, c.Send(req))

	var r smp.Reassembler
	var frames [][]byte
	for len(frames) == 0 {
		p := <-c.Recv()
		assert.LessOrEqual(t, len(p), 32)
		frames = r.Feed(p)
	}
	_, body, err := smp.DecodeFrame(frames[0])
	require.NoError(t, err)
	rsp, err := smp.DecodeReadResponse(body)
	require.NoError(t, err)
	require.NotNil(t, rsp.Len)
	assert.Equal(t, uint64(90), *rsp.Len)
	assert.Len(t, rsp.Data, 90)
}

func TestReadOutOfRangeAndMissing(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	d.Put("/f", []byte("hello"))

	b, _ := smp.EncodeReadRequest(0, smp.FileReadRequest{Name: "/f", Off: 6})
	_, body, _ := smp.DecodeFrame(b)
	assert.Equal(t, smp.RCInval, d.read(body).RC)

	b, _ = smp.EncodeReadRequest(0, smp.FileReadRequest{Name: "/g"})
	_, body, _ = smp.DecodeFrame(b)
	assert.Equal(t, smp.RCNoEnt, d.read(body).RC)

	b, _ = smp.EncodeReadRequest(0, smp.FileReadRequest{Name: "/f", Off: 2})
	_, body, _ = smp.DecodeFrame(b)
	rsp := d.read(body)
	assert.Nil(t, rsp.Len)
	assert.Equal(t, []byte("llo"), rsp.Data)
}

func TestLoadDirAndFromEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "boot.txt"), []byte("ok"), 0o644))

	t.Setenv("SIM_DEVICE", "c0:ff:ee:00:00:02")
	t.Setenv("SIM_DIR", dir)
	tr, err := FromEnv(testLog())
	require.NoError(t, err)

	tr.mu.RLock()
	d := tr.devices["C0:FF:EE:00:00:02"]
	tr.mu.RUnlock()
	require.NotNil(t, d)
	d.mu.RLock()
	defer d.mu.RUnlock()
	assert.Equal(t, []byte("ok"), d.files["/lfs1/logs/boot.txt"])
}
