package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/dispatch"
	"github.com/tinoosan/mcufetch/internal/linkcfg"
	"github.com/tinoosan/mcufetch/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHandle struct {
	id     string
	closed int32
}

func (h *fakeHandle) DeviceID() string { return h.id }

func (h *fakeHandle) Closes() int32 { return atomic.LoadInt32(&h.closed) }

type fakeTransport struct {
	openFn func(ctx context.Context, id string) (transfer.Handle, error)

	mu         sync.Mutex
	opened     []*fakeHandle
	configured int
}

func (t *fakeTransport) Open(ctx context.Context, id string) (transfer.Handle, error) {
	if t.openFn != nil {
		return t.openFn(ctx, id)
	}
	addr, err := transfer.NormalizeAddress(id)
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{id: addr}
	t.mu.Lock()
	t.opened = append(t.opened, h)
	t.mu.Unlock()
	return h, nil
}

func (t *fakeTransport) Configure(ctx context.Context, h transfer.Handle, o linkcfg.Options) error {
	t.mu.Lock()
	t.configured++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close(h transfer.Handle) error {
	if fh, ok := h.(*fakeHandle); ok {
		atomic.AddInt32(&fh.closed, 1)
	}
	return nil
}

func (t *fakeTransport) Opened() []*fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeHandle(nil), t.opened...)
}

type fakeManager struct {
	downloadErr error

	mu            sync.Mutex
	d             transfer.Delegate
	path          string
	pendingCancel bool
	started       chan struct{}
	cancels       int32
	closes        int32
}

func newFakeManager() *fakeManager {
	return &fakeManager{started: make(chan struct{})}
}

func (m *fakeManager) Download(path string, d transfer.Delegate) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	m.mu.Lock()
	m.d, m.path = d, path
	pending := m.pendingCancel
	m.mu.Unlock()
	close(m.started)
	if pending {
		go d.OnCanceled()
	}
	return nil
}

// Cancel confirms asynchronously, like a transfer engine would.
func (m *fakeManager) Cancel() {
	atomic.AddInt32(&m.cancels, 1)
	m.mu.Lock()
	d := m.d
	if d == nil {
		m.pendingCancel = true
	}
	m.mu.Unlock()
	if d != nil {
		go d.OnCanceled()
	}
}

func (m *fakeManager) Close() error {
	atomic.AddInt32(&m.closes, 1)
	return nil
}

func (m *fakeManager) Delegate() transfer.Delegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d
}

func (m *fakeManager) Closes() int32 { return atomic.LoadInt32(&m.closes) }

type fakeFactory struct {
	createErr   error
	downloadErr error
	created     chan *fakeManager
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeManager, 16)}
}

func (f *fakeFactory) Create(h transfer.Handle) (transfer.Manager, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	m := newFakeManager()
	m.downloadErr = f.downloadErr
	f.created <- m
	return m, nil
}

// next waits for the next manager to be created and told to download.
func (f *fakeFactory) next(t *testing.T) *fakeManager {
	t.Helper()
	select {
	case m := <-f.created:
		select {
		case <-m.started:
		case <-time.After(2 * time.Second):
			t.Fatal("download was not started")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("manager was not created")
	}
	return nil
}

// recorder collects notifications in delivery order.
type recorder struct {
	mu          sync.Mutex
	order       []string
	progress    []data.Progress
	failures    []data.Failure
	cancels     int
	completions []data.Completion
	terminal    chan string
	onTerminal  func()
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan string, 16)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p data.Progress) {
			r.mu.Lock()
			r.order = append(r.order, "progress")
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
		OnFailure: func(f data.Failure) {
			r.mu.Lock()
			r.order = append(r.order, "failure")
			r.failures = append(r.failures, f)
			r.mu.Unlock()
			r.fire("failure")
		},
		OnCancellation: func(c data.Cancellation) {
			r.mu.Lock()
			r.order = append(r.order, "cancellation")
			if c.Canceled {
				r.cancels++
			}
			r.mu.Unlock()
			r.fire("cancellation")
		},
		OnCompletion: func(c data.Completion) {
			r.mu.Lock()
			r.order = append(r.order, "completion")
			r.completions = append(r.completions, c)
			r.mu.Unlock()
			r.fire("completion")
		},
	}
}

func (r *recorder) fire(kind string) {
	if r.onTerminal != nil {
		r.onTerminal()
	}
	r.terminal <- kind
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case k := <-r.terminal:
		return k
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal notification")
	}
	return ""
}

// quiet asserts no further terminal notification arrives for a short while.
func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case k := <-r.terminal:
		t.Fatalf("unexpected extra terminal notification %q", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *recorder) snapshot() (order []string, terminals int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order = append([]string(nil), r.order...)
	terminals = len(r.failures) + r.cancels + len(r.completions)
	return order, terminals
}

type harness struct {
	tr   *fakeTransport
	mf   *fakeFactory
	disp *dispatch.Dispatcher
	s    *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, mf: newFakeFactory(), disp: dispatch.New(discardLogger())}
	h.disp.Run()
	t.Cleanup(h.disp.Stop)
	h.s = New(Config{Transport: h.tr, Managers: h.mf, Executor: h.disp, Logger: discardLogger()})
	return h
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func requireState(t *testing.T, s *Session, want data.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		fmt.Sprintf("state never became %s (is %s)", want, s.State()))
}

// queueExecutor holds posted tasks until drain, standing in for a host
// context that is busy elsewhere.
type queueExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueExecutor) Post(task func()) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return nil
}

func (q *queueExecutor) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queueExecutor) drain() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}
