// Package session owns a single file-download attempt against one peripheral.
//
// A Session acquires a transport channel and a transfer manager, starts the
// download, and turns the manager's asynchronous callbacks into host
// notifications queued on a dispatch.Executor. Every terminal path releases
// the channel and the manager exactly once before the terminal notification
// is queued. Transfer callbacks arrive on foreign goroutines and race with
// Cancel and Teardown; all state lives behind one mutex and every callback
// carries the generation of the attempt it belongs to, so late callbacks
// from a finished or torn-down attempt are dropped.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/dispatch"
	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/metrics"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

// Callbacks are the host's notification sinks. Any of them may be nil.
type Callbacks struct {
	OnProgress     func(data.Progress)
	OnFailure      func(data.Failure)
	OnCancellation func(data.Cancellation)
	OnCompletion   func(data.Completion)
}

// Config wires a Session to its collaborators.
type Config struct {
	Transport transfer.Transport
	Managers  transfer.ManagerFactory
	// Executor is the host's designated notification context. Required.
	Executor dispatch.Executor
	Link     linkcfg.Options
	Logger   *slog.Logger
}

// Session is one reusable download slot. At most one attempt is live at a time.
type Session struct {
	tr   transfer.Transport
	mf   transfer.ManagerFactory
	ex   dispatch.Executor
	link linkcfg.Options
	log  *slog.Logger

	mu        sync.Mutex
	gen       uint64
	id        string
	state     data.State
	deviceID  string
	path      string
	handle    transfer.Handle
	manager   transfer.Manager
	cb        Callbacks
	revoked   *atomic.Bool
	cancelReq bool
	releasing bool
	abort     context.CancelFunc
	lastAt    time.Time
	lg        *slog.Logger
}

// New creates an idle Session. It panics without an Executor.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ex := cfg.Executor
	if ex == nil {
		panic("session: Config.Executor is required")
	}
	link := cfg.Link
	if link == (linkcfg.Options{}) {
		link = linkcfg.Default()
	}
	return &Session{
		tr:      cfg.Transport,
		mf:      cfg.Managers,
		ex:      ex,
		link:    link,
		log:     log,
		state:   data.StateIdle,
		revoked: new(atomic.Bool),
		lg:      log,
	}
}

// guard drops a queued notification whose attempt was torn down before the
// host context got to it.
func guard[T any](revoked *atomic.Bool, sink func(T)) func(T) {
	if sink == nil {
		return nil
	}
	return func(p T) {
		if revoked.Load() {
			return
		}
		sink(p)
	}
}

// outcome is the resolved terminal transition of one attempt.
type outcome struct {
	state   data.State
	failure data.FailureInfo
	result  data.CompletionResult
}

func failed(info data.FailureInfo) outcome {
	return outcome{state: data.StateFailed, failure: info}
}

func canceled() outcome { return outcome{state: data.StateCanceled} }

func completed(payload []byte) outcome {
	return outcome{state: data.StateCompleted, result: data.NewCompletionResult(payload)}
}

// Start begins an attempt to download path from deviceID and returns
// immediately. It fails only with data.ErrSessionBusy, without touching the
// live attempt.
func (s *Session) Start(deviceID, path string, cb Callbacks) error {
	s.mu.Lock()
	if s.state.IsLive() || s.releasing {
		s.mu.Unlock()
		s.log.Info("rejecting start; session busy", "device", deviceID, "path", path)
		return data.ErrSessionBusy
	}
	s.gen++
	gen := s.gen
	s.id = uuid.NewString()
	s.state = data.StateInitializing
	s.deviceID, s.path = deviceID, path
	s.cb = cb
	s.revoked = new(atomic.Bool)
	s.cancelReq = false
	s.lastAt = time.Time{}
	ctx, cancel := context.WithCancel(context.Background())
	s.abort = cancel
	s.lg = s.log.With("session_id", s.id, "device", deviceID, "path", path)
	lg := s.lg
	metrics.ActiveSessions.Inc()
	s.mu.Unlock()

	lg.Info("session started")
	go s.acquire(ctx, gen, lg, deviceID, path)
	return nil
}

// Cancel asks the live attempt to stop. The attempt ends Canceled once the
// manager confirms, unless a completion or failure wins the race. It returns
// data.ErrNothingToCancel when no attempt is live.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if !s.state.IsLive() {
		s.mu.Unlock()
		return data.ErrNothingToCancel
	}
	if s.cancelReq {
		s.mu.Unlock()
		return nil
	}
	s.cancelReq = true
	st, m, abort, lg := s.state, s.manager, s.abort, s.lg
	s.mu.Unlock()

	lg.Info("cancel requested", "state", st)
	if st == data.StateTransferring && m != nil {
		m.Cancel()
		return nil
	}
	// Still acquiring: unblock a pending open; acquire resolves the attempt.
	if abort != nil {
		abort()
	}
	return nil
}

// Teardown force-releases whatever the Session holds and clears the sinks
// without notifying them. It is idempotent and safe when nothing is live.
func (s *Session) Teardown() error {
	_, err := s.TeardownAttempt()
	return err
}

// TeardownAttempt is Teardown that also reports the id of the live attempt
// it cut short, or "" when nothing was live. Notifications of that attempt
// still queued on the Executor are dropped.
func (s *Session) TeardownAttempt() (string, error) {
	s.mu.Lock()
	live := s.state.IsLive()
	torn := ""
	h, m := s.handle, s.manager
	s.handle, s.manager = nil, nil
	s.cb = Callbacks{}
	abort := s.abort
	s.abort = nil
	s.cancelReq = false
	lg := s.lg
	if live {
		s.gen++
		s.state = data.StateIdle
		s.revoked.Store(true)
		torn = s.id
		metrics.ActiveSessions.Dec()
	}
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	if live {
		lg.Info("session torn down while live")
	}
	return torn, s.release(h, m)
}

// State returns the current lifecycle state.
func (s *Session) State() data.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info describes the current or most recent attempt.
func (s *Session) Info() data.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return data.Info{ID: s.id, DeviceID: s.deviceID, Path: s.path, State: s.state}
}

func (s *Session) acquire(ctx context.Context, gen uint64, lg *slog.Logger, deviceID, path string) {
	h, err := s.tr.Open(ctx, deviceID)
	if err != nil {
		s.finish(gen, s.acquireFailed(gen, stageOpen, err))
		return
	}
	if !s.adopt(gen, h) {
		if cerr := s.tr.Close(h); cerr != nil {
			lg.Warn("close stale transport", "err", cerr)
		}
		return
	}

	if err := s.tr.Configure(ctx, h, s.link); err != nil {
		lg.Warn("configure transport", "err", err, "packet_size", s.link.PreferredPacketSize, "priority", s.link.Priority)
	}

	m, err := s.mf.Create(h)
	if err != nil {
		s.finish(gen, s.acquireFailed(gen, stageCreate, err))
		return
	}

	s.mu.Lock()
	if gen != s.gen || !s.state.IsLive() {
		s.mu.Unlock()
		_ = m.Close()
		return
	}
	s.manager = m
	if s.cancelReq {
		s.mu.Unlock()
		lg.Info("canceled before transfer start")
		s.finish(gen, canceled())
		return
	}
	s.state = data.StateTransferring
	s.mu.Unlock()

	lg.Debug("starting transfer")
	rep := transfer.ReporterFunc(func(e transfer.Event) { s.onEvent(gen, e) })
	if err := m.Download(path, transfer.DelegateFor(rep)); err != nil {
		s.finish(gen, failed(classify(stageStart, err)))
	}
}

// adopt stores h as the attempt's channel if the attempt is still current.
func (s *Session) adopt(gen uint64, h transfer.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.state.IsLive() {
		return false
	}
	s.handle = h
	return true
}

// acquireFailed resolves an acquisition error; a pending cancel wins over
// the error it most likely caused.
func (s *Session) acquireFailed(gen uint64, st stage, err error) outcome {
	s.mu.Lock()
	cancelReq := gen == s.gen && s.cancelReq
	s.mu.Unlock()
	if cancelReq {
		return canceled()
	}
	return failed(classify(st, err))
}

// onEvent processes one event from the transfer manager.
func (s *Session) onEvent(gen uint64, ev transfer.Event) {
	switch ev.Type {
	case transfer.EventComplete:
		s.finish(gen, completed(ev.Data))
		return
	case transfer.EventFailed:
		s.finish(gen, failed(classify(stageTransfer, ev.Err)))
		return
	case transfer.EventCancelled:
		s.finish(gen, canceled())
		return
	case transfer.EventProgress:
	default:
		s.log.Warn("unknown transfer event", "type", ev.Type)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != data.StateTransferring || ev.Progress == nil {
		metrics.SessionEvents.WithLabelValues("progress", "ignored").Inc()
		return
	}
	pe := s.progressLocked(ev.Progress)
	s.lg.Debug("progress", "current", pe.BytesTransferred, "total", pe.TotalBytes)
	dispatch.Dispatch(s.ex, s.lg, guard(s.revoked, s.cb.OnProgress), pe.Payload())
	metrics.SessionEvents.WithLabelValues("progress", "delivered").Inc()
}

// progressLocked clamps a raw observation so counts are consistent and
// timestamps never go backwards within an attempt.
func (s *Session) progressLocked(p *transfer.Progress) data.ProgressEvent {
	cur, total := p.Completed, p.Total
	if cur < 0 {
		cur = 0
	}
	if total < cur {
		total = cur
	}
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	if at.Before(s.lastAt) {
		at = s.lastAt
	}
	s.lastAt = at
	return data.ProgressEvent{BytesTransferred: cur, TotalBytes: total, ObservedAt: at}
}

// finish performs the single terminal transition of attempt gen. Later
// calls for the same attempt are dropped.
func (s *Session) finish(gen uint64, out outcome) {
	s.mu.Lock()
	if gen != s.gen || !s.state.IsLive() {
		s.mu.Unlock()
		metrics.SessionEvents.WithLabelValues(eventLabel(out.state), "ignored").Inc()
		return
	}
	s.state = out.state
	h, m := s.handle, s.manager
	s.handle, s.manager = nil, nil
	cb, revoked := s.cb, s.revoked
	s.cb = Callbacks{}
	abort := s.abort
	s.abort = nil
	s.releasing = true
	lg := s.lg
	metrics.ActiveSessions.Dec()
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	if err := s.release(h, m); err != nil {
		lg.Warn("release transfer resources", "err", err)
	}

	s.mu.Lock()
	s.releasing = false
	switch out.state {
	case data.StateCompleted:
		dispatch.Dispatch(s.ex, lg, guard(revoked, cb.OnCompletion), out.result.Payload())
	case data.StateFailed:
		dispatch.Dispatch(s.ex, lg, guard(revoked, cb.OnFailure), out.failure.Payload())
	case data.StateCanceled:
		dispatch.Dispatch(s.ex, lg, guard(revoked, cb.OnCancellation), data.Cancellation{Canceled: true})
	}
	s.mu.Unlock()

	metrics.SessionEvents.WithLabelValues(eventLabel(out.state), "delivered").Inc()
	switch out.state {
	case data.StateCompleted:
		metrics.SessionTerminal.WithLabelValues(string(out.state), "").Inc()
		metrics.BytesDownloaded.Add(float64(out.result.SizeInBytes))
		lg.Info("session completed", "size", out.result.SizeInBytes)
	case data.StateFailed:
		metrics.SessionTerminal.WithLabelValues(string(out.state), string(out.failure.Kind)).Inc()
		lg.Warn("session failed", "code", out.failure.Kind, "err", out.failure.Message)
	default:
		metrics.SessionTerminal.WithLabelValues(string(out.state), "").Inc()
		lg.Info("session canceled")
	}
}

// release closes the manager, then the channel beneath it.
func (s *Session) release(h transfer.Handle, m transfer.Manager) error {
	var result error
	if m != nil {
		if err := m.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if h != nil {
		if err := s.tr.Close(h); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func eventLabel(st data.State) string {
	switch st {
	case data.StateCompleted:
		return "complete"
	case data.StateFailed:
		return "failed"
	case data.StateCanceled:
		return "cancelled"
	}
	return "unknown"
}
