package sim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/smp"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

// Transport connects to registered Devices.
type Transport struct {
	log *slog.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

var _ transfer.Transport = (*Transport)(nil)

// NewTransport registers devices by their address.
func NewTransport(log *slog.Logger, devices ...*Device) *Transport {
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{log: log, devices: make(map[string]*Device)}
	for _, d := range devices {
		t.Add(d)
	}
	return t
}

// FromEnv builds a transport with one device at SIM_DEVICE serving SIM_DIR.
func FromEnv(log *slog.Logger) (*Transport, error) {
	addr, err := transfer.NormalizeAddress(getenv("SIM_DEVICE", "C0:FF:EE:00:00:01"))
	if err != nil {
		return nil, err
	}
	d := NewDevice(addr)
	if dir := os.Getenv("SIM_DIR"); dir != "" {
		if err := d.LoadDir(dir, "lfs1"); err != nil {
			return nil, err
		}
	}
	return NewTransport(log, d), nil
}

// Add registers a device, replacing any with the same address.
func (t *Transport) Add(d *Device) {
	t.mu.Lock()
	t.devices[d.Address] = d
	t.mu.Unlock()
}

func (t *Transport) Open(ctx context.Context, deviceID string) (transfer.Handle, error) {
	addr, err := transfer.NormalizeAddress(deviceID)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	d, ok := t.devices[addr]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sim: device %s not found: %w", addr, transfer.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.log.Debug("sim connected", "device", addr)
	return newConn(d), nil
}

func (t *Transport) Configure(ctx context.Context, h transfer.Handle, o linkcfg.Options) error {
	c, ok := h.(*Conn)
	if !ok {
		return fmt.Errorf("sim: foreign handle %T", h)
	}
	c.mu.Lock()
	c.packetSize = o.PreferredPacketSize
	c.mu.Unlock()
	t.log.Debug("sim link configured", "device", c.DeviceID(), "packet_size", o.PreferredPacketSize, "priority", o.Priority)
	return nil
}

func (t *Transport) Close(h transfer.Handle) error {
	c, ok := h.(*Conn)
	if !ok {
		return fmt.Errorf("sim: foreign handle %T", h)
	}
	c.close()
	return nil
}

// Conn is an open channel to a Device. It implements smp.Link.
type Conn struct {
	dev  *Device
	rx   chan []byte
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu         sync.Mutex
	closed     bool
	packetSize int
}

var _ smp.Link = (*Conn)(nil)

func newConn(d *Device) *Conn {
	return &Conn{dev: d, rx: make(chan []byte, 64), done: make(chan struct{}), packetSize: linkcfg.DefaultPacketSize}
}

func (c *Conn) DeviceID() string { return c.dev.Address }

func (c *Conn) Recv() <-chan []byte { return c.rx }

// Send hands a request to the device, which answers asynchronously.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transfer.ErrClosed
	}
	size := c.packetSize
	c.wg.Add(1)
	c.mu.Unlock()

	req := append([]byte(nil), frame...)
	go func() {
		defer c.wg.Done()
		rsp := c.dev.serve(req)
		if rsp == nil {
			return
		}
		for _, p := range smp.Split(rsp, size) {
			select {
			case c.rx <- p:
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Drop simulates the peripheral going out of range.
func (c *Conn) Drop() { c.close() }

func (c *Conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.wg.Wait()
		close(c.rx)
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
