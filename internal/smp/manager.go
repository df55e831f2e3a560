package smp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinoosan/mcufetch/internal/metrics"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

const (
	opFileRead = "fs_read"

	// DefaultTimeout bounds one request/response round trip.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxFileSize caps the length a device may announce for a file.
	DefaultMaxFileSize = 64 << 20
	// MaxNameLen is the longest file name the device side accepts.
	MaxNameLen = 255
)

var (
	// ErrTimeout is wrapped in a transfer.Error when a response does not arrive in time.
	ErrTimeout = errors.New("response timeout")
	// ErrBusy is returned by Download while another download runs on the same manager.
	ErrBusy = errors.New("smp: download already in progress")
	// ErrBadPath is returned by Download for an empty or oversized file name.
	ErrBadPath = errors.New("smp: invalid file path")
)

// Link is a packetized, bidirectional channel to one SMP server.
type Link interface {
	// Send transmits one complete frame, splitting it as the link requires.
	Send(frame []byte) error
	// Recv delivers inbound packets. The channel is closed when the link goes down.
	Recv() <-chan []byte
}

// Options tune a FileManager.
type Options struct {
	Timeout time.Duration
	// MaxFileSize is the largest file length accepted from the device.
	MaxFileSize uint64
	Logger      *slog.Logger
}

// OptionsFromEnv reads SMP_TIMEOUT_MS and SMP_MAX_FILE_BYTES.
func OptionsFromEnv() Options {
	o := Options{Timeout: DefaultTimeout, MaxFileSize: DefaultMaxFileSize}
	if v := os.Getenv("SMP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.Timeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SMP_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 63); err == nil && n > 0 {
			o.MaxFileSize = n
		}
	}
	return o
}

// FileManager downloads files with the fs group's chunked read command.
// One FileManager serves one Link and runs one download at a time.
type FileManager struct {
	link Link
	opts Options
	log  *slog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	closed atomic.Bool
	cancel atomic.Bool

	mu      sync.Mutex
	running bool
	seq     uint8
	waiters map[uint8]chan []byte
	down    bool
}

var _ transfer.Manager = (*FileManager)(nil)

// NewFileManager binds a FileManager to link and starts reading from it.
func NewFileManager(link Link, opts Options) *FileManager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFileSize == 0 || opts.MaxFileSize > math.MaxInt32 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &FileManager{
		link:    link,
		opts:    opts,
		log:     log,
		ctx:     ctx,
		stop:    stop,
		waiters: make(map[uint8]chan []byte),
	}
	go m.readLoop()
	return m
}

// Download starts fetching path in the background.
func (m *FileManager) Download(path string, d transfer.Delegate) error {
	if strings.TrimSpace(path) == "" || len(path) > MaxNameLen {
		return fmt.Errorf("%w: %q", ErrBadPath, path)
	}
	if m.closed.Load() {
		return transfer.ErrClosed
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrBusy
	}
	m.running = true
	m.mu.Unlock()

	go m.run(path, d)
	return nil
}

// Cancel marks the download for cancellation; it is observed between chunks.
func (m *FileManager) Cancel() {
	m.cancel.Store(true)
}

// Close stops the manager. No delegate method is called afterwards.
func (m *FileManager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.stop()
	return nil
}

func (m *FileManager) run(path string, d transfer.Delegate) {
	lg := m.log.With("operation_id", uuid.NewString(), "path", path)
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	var (
		buf   []byte
		off   uint64
		total uint64
	)
	lg.Debug("smp download started")
	for {
		if m.closed.Load() {
			return
		}
		if m.cancel.Load() {
			lg.Info("smp download canceled", "offset", off)
			d.OnCanceled()
			return
		}
		rsp, err := m.read(path, off)
		if m.closed.Load() {
			return
		}
		if err != nil {
			lg.Warn("smp download failed", "offset", off, "err", err)
			d.OnFailed(fmt.Errorf("smp: download %s: %w", path, err))
			return
		}
		if off == 0 {
			if rsp.Len == nil {
				d.OnFailed(&transfer.Error{Op: opFileRead, Err: errors.New("first response carries no length")})
				return
			}
			total = *rsp.Len
			if total > m.opts.MaxFileSize {
				lg.Warn("smp device announced oversized file", "len", total, "max", m.opts.MaxFileSize)
				d.OnFailed(&transfer.Error{Op: opFileRead, Err: fmt.Errorf("file length %d exceeds limit %d", total, m.opts.MaxFileSize)})
				return
			}
		}
		if rsp.Off != off {
			d.OnFailed(&transfer.Error{Op: opFileRead, Err: fmt.Errorf("response offset %d, requested %d", rsp.Off, off)})
			return
		}
		if len(rsp.Data) == 0 && off < total {
			d.OnFailed(&transfer.Error{Op: opFileRead, Err: fmt.Errorf("empty chunk at offset %d of %d", off, total)})
			return
		}
		off += uint64(len(rsp.Data))
		if off > total {
			d.OnFailed(&transfer.Error{Op: opFileRead, Err: fmt.Errorf("received %d bytes, file is %d", off, total)})
			return
		}
		buf = append(buf, rsp.Data...)
		d.OnProgress(int64(off), int64(total), time.Now())
		if off == total {
			lg.Info("smp download complete", "bytes", total)
			d.OnCompleted(buf)
			return
		}
	}
}

// read performs one request/response round trip.
func (m *FileManager) read(path string, off uint64) (FileReadResponse, error) {
	timer := prometheus.NewTimer(metrics.SMPRequestLatency.WithLabelValues(opFileRead))
	defer timer.ObserveDuration()

	seq, ch, err := m.expect()
	if err != nil {
		metrics.SMPRequestErrors.WithLabelValues(opFileRead).Inc()
		return FileReadResponse{}, err
	}
	defer m.forget(seq)

	frame, err := EncodeReadRequest(seq, FileReadRequest{Name: path, Off: off})
	if err != nil {
		return FileReadResponse{}, err
	}
	if err := m.link.Send(frame); err != nil {
		metrics.SMPRequestErrors.WithLabelValues(opFileRead).Inc()
		return FileReadResponse{}, fmt.Errorf("send: %w", err)
	}

	t := time.NewTimer(m.opts.Timeout)
	defer t.Stop()
	var body []byte
	select {
	case <-m.ctx.Done():
		return FileReadResponse{}, transfer.ErrClosed
	case <-t.C:
		metrics.SMPRequestErrors.WithLabelValues(opFileRead).Inc()
		return FileReadResponse{}, &transfer.Error{Op: opFileRead, Err: ErrTimeout}
	case b, ok := <-ch:
		if !ok {
			metrics.SMPRequestErrors.WithLabelValues(opFileRead).Inc()
			return FileReadResponse{}, fmt.Errorf("link closed: %w", transfer.ErrUnavailable)
		}
		body = b
	}

	rsp, err := DecodeReadResponse(body)
	if err != nil {
		metrics.SMPRequestErrors.WithLabelValues(opFileRead).Inc()
		return FileReadResponse{}, &transfer.Error{Op: opFileRead, Err: fmt.Errorf("decode: %w", err)}
	}
	if rc := rsp.Code(); rc != RCOK {
		metrics.SMPRequestErrors.WithLabelValues(opFileRead).Inc()
		return FileReadResponse{}, &transfer.Error{Op: opFileRead, Code: rc}
	}
	return rsp, nil
}

func (m *FileManager) expect() (uint8, chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, nil, fmt.Errorf("link closed: %w", transfer.ErrUnavailable)
	}
	seq := m.seq
	m.seq++
	ch := make(chan []byte, 1)
	m.waiters[seq] = ch
	return seq, ch, nil
}

func (m *FileManager) forget(seq uint8) {
	m.mu.Lock()
	delete(m.waiters, seq)
	m.mu.Unlock()
}

// readLoop reassembles inbound packets and hands each response body to the
// request waiting on its sequence number.
func (m *FileManager) readLoop() {
	var r Reassembler
	rx := m.link.Recv()
	for {
		select {
		case <-m.ctx.Done():
			return
		case p, ok := <-rx:
			if !ok {
				m.linkDown()
				return
			}
			for _, f := range r.Feed(p) {
				m.deliver(f)
			}
		}
	}
}

func (m *FileManager) deliver(frame []byte) {
	h, body, err := DecodeFrame(frame)
	if err != nil {
		m.log.Debug("smp dropped frame", "err", err)
		return
	}
	if h.Op != OpReadRsp || h.Group != GroupFS || h.ID != IDFile {
		m.log.Debug("smp ignored frame", "op", h.Op, "group", h.Group, "id", h.ID)
		return
	}
	m.mu.Lock()
	ch, ok := m.waiters[h.Seq]
	if ok {
		delete(m.waiters, h.Seq)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debug("smp response without request", "seq", h.Seq)
		return
	}
	ch <- body
}

func (m *FileManager) linkDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = true
	for seq, ch := range m.waiters {
		close(ch)
		delete(m.waiters, seq)
	}
}

// Factory creates FileManagers on handles that implement Link.
type Factory struct {
	opts Options
}

// NewFactory returns a transfer.ManagerFactory for SMP-capable handles.
func NewFactory(opts Options) *Factory { return &Factory{opts: opts} }

var _ transfer.ManagerFactory = (*Factory)(nil)

func (f *Factory) Create(h transfer.Handle) (transfer.Manager, error) {
	l, ok := h.(Link)
	if !ok {
		return nil, fmt.Errorf("smp: handle %T for %s has no SMP link", h, h.DeviceID())
	}
	return NewFileManager(l, f.opts), nil
}
