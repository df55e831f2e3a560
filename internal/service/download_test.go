package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/dispatch"
	"github.com/tinoosan/mcufetch/internal/fp"
	"github.com/tinoosan/mcufetch/internal/hub"
	"github.com/tinoosan/mcufetch/internal/repo"
	"github.com/tinoosan/mcufetch/internal/session"
	"github.com/tinoosan/mcufetch/internal/smp"
	"github.com/tinoosan/mcufetch/internal/transport/sim"
)

const devAddr = "C0:FF:EE:00:00:01"

type env struct {
	dev  *sim.Device
	repo *repo.InMemoryRecordRepo
	hub  *hub.Hub
	sub  *hub.Subscriber
	svc  Download
}

func newEnv(t *testing.T, contentLimit int) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(log)
	d.Run()
	t.Cleanup(d.Stop)

	dev := sim.NewDevice(devAddr)
	dev.Put("/lfs1/log.bin", []byte("0123456789abcdef"))
	s := session.New(session.Config{
		Transport: sim.NewTransport(log, dev),
		Managers:  smp.NewFactory(smp.Options{Timeout: time.Second, Logger: log}),
		Executor:  d,
		Logger:    log,
	})
	h := hub.New(log, 256)
	r := repo.NewInMemoryRecordRepo()
	e := &env{dev: dev, repo: r, hub: h, sub: h.Subscribe()}
	e.svc = NewDownload(r, s, Options{Hub: h, ContentLimit: contentLimit, Logger: log})
	t.Cleanup(func() { _ = e.svc.Teardown(context.Background()) })
	return e
}

// terminal waits for the next terminal message on the stream.
func (e *env) terminal(t *testing.T) hub.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-e.sub.C:
			if m.Type != hub.TypeProgress {
				return m
			}
		case <-deadline:
			t.Fatal("no terminal message")
		}
	}
}

// settled waits until the record reaches a terminal state.
func (e *env) settled(t *testing.T, id string) *data.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.repo.Get(context.Background(), id)
		if err == nil && rec.State.IsTerminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record %s never settled", id)
	return nil
}

func TestStartRecordsCompletedDownload(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	rec, err := e.svc.Start(ctx, "c0:ff:ee:00:00:01", "/lfs1/log.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.State != data.StateInitializing || rec.ID == "" {
		t.Fatalf("unexpected initial record %+v", rec)
	}

	m := e.terminal(t)
	if m.Type != hub.TypeCompletion || m.SessionID != rec.ID {
		t.Fatalf("unexpected terminal message %+v", m)
	}
	sum, ok := m.Payload.(completionSummary)
	if !ok || sum.Size != 16 || sum.RecordID != rec.ID {
		t.Fatalf("unexpected completion payload %#v", m.Payload)
	}

	got := e.settled(t, rec.ID)
	if got.State != data.StateCompleted || got.Size != 16 || got.FinishedAt == nil {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Checksum != fp.Checksum([]byte("0123456789abcdef")) {
		t.Fatalf("checksum mismatch: %s", got.Checksum)
	}

	b, err := e.svc.Content(ctx, rec.ID)
	if err != nil || string(b) != "0123456789abcdef" {
		t.Fatalf("Content: %q %v", b, err)
	}
	if info := e.svc.Current(ctx); info.ID != rec.ID || info.State != data.StateCompleted {
		t.Fatalf("unexpected session info %+v", info)
	}
}

func TestStartRecordsFailure(t *testing.T) {
	e := newEnv(t, 0)
	rec, err := e.svc.Start(context.Background(), devAddr, "/lfs1/missing")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	m := e.terminal(t)
	f, ok := m.Payload.(data.Failure)
	if m.Type != hub.TypeFailure || !ok || f.Code != string(data.KindTransferFault) {
		t.Fatalf("unexpected failure message %+v", m)
	}
	got := e.settled(t, rec.ID)
	if got.State != data.StateFailed || got.FailureCode != data.KindTransferFault || got.FailureMessage == "" {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := e.svc.Content(context.Background(), rec.ID); !errors.Is(err, data.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for failed download content, got %v", err)
	}
}

func TestStartValidationAndBusy(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	if _, err := e.svc.Start(ctx, " ", "/lfs1/log.bin"); !errors.Is(err, data.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}

	e.dev.Silent = true
	if _, err := e.svc.Start(ctx, devAddr, "/lfs1/log.bin"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.svc.Start(ctx, devAddr, "/lfs1/log.bin"); !errors.Is(err, data.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	list, _ := e.svc.List(ctx)
	if len(list) != 1 {
		t.Fatalf("busy start must not be recorded, got %d records", len(list))
	}
}

func TestTeardownClosesLiveRecord(t *testing.T) {
	e := newEnv(t, 0)
	e.dev.Silent = true
	ctx := context.Background()
	rec, err := e.svc.Start(ctx, devAddr, "/lfs1/log.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.svc.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	got, _ := e.svc.Get(ctx, rec.ID)
	if got.State != data.StateCanceled || got.FailureMessage != "session torn down" || got.FinishedAt == nil {
		t.Fatalf("unexpected record after teardown %+v", got)
	}
	select {
	case m := <-e.sub.C:
		if m.Type != hub.TypeProgress {
			t.Fatalf("teardown must not notify, got %+v", m)
		}
	case <-time.After(50 * time.Millisecond):
	}
	if err := e.svc.Teardown(ctx); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
}

func TestCancelRecordsCancellation(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	if err := e.svc.Cancel(ctx); !errors.Is(err, data.ErrNothingToCancel) {
		t.Fatalf("expected ErrNothingToCancel, got %v", err)
	}

	e.dev.Delay = 20 * time.Millisecond
	e.dev.ChunkSize = 2
	rec, err := e.svc.Start(ctx, devAddr, "/lfs1/log.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.svc.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if m := e.terminal(t); m.Type != hub.TypeCancellation {
		t.Fatalf("expected cancellation, got %+v", m)
	}
	if got := e.settled(t, rec.ID); got.State != data.StateCanceled {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestContentBeyondLimitIsGone(t *testing.T) {
	e := newEnv(t, 8)
	rec, err := e.svc.Start(context.Background(), devAddr, "/lfs1/log.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.terminal(t)
	e.settled(t, rec.ID)
	if _, err := e.svc.Content(context.Background(), rec.ID); !errors.Is(err, data.ErrContentGone) {
		t.Fatalf("expected ErrContentGone, got %v", err)
	}
}

func TestPayloadCacheEvictsOldest(t *testing.T) {
	c := newPayloadCache(10)
	c.put("a", make([]byte, 4))
	c.put("b", make([]byte, 4))
	c.put("c", make([]byte, 4))
	if _, ok := c.get("a"); ok {
		t.Fatalf("a should have been evicted")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatalf("c should be retained")
	}
	c.put("b", make([]byte, 6))
	if c.size != 10 {
		t.Fatalf("unexpected size %d", c.size)
	}
	if c.put("big", make([]byte, 11)) {
		t.Fatalf("oversized payload must not be retained")
	}
}

// heldExecutor queues notifications until release is called.
type heldExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (x *heldExecutor) Post(task func()) error {
	x.mu.Lock()
	x.tasks = append(x.tasks, task)
	x.mu.Unlock()
	return nil
}

func (x *heldExecutor) pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tasks)
}

func (x *heldExecutor) release() {
	x.mu.Lock()
	tasks := x.tasks
	x.tasks = nil
	x.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func newHeldEnv(t *testing.T) (*env, *heldExecutor, *session.Session) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	x := &heldExecutor{}
	dev := sim.NewDevice(devAddr)
	dev.Put("/lfs1/log.bin", []byte("0123456789abcdef"))
	s := session.New(session.Config{
		Transport: sim.NewTransport(log, dev),
		Managers:  smp.NewFactory(smp.Options{Timeout: time.Second, Logger: log}),
		Executor:  x,
		Logger:    log,
	})
	h := hub.New(log, 256)
	r := repo.NewInMemoryRecordRepo()
	e := &env{dev: dev, repo: r, hub: h, sub: h.Subscribe()}
	e.svc = NewDownload(r, s, Options{Hub: h, Logger: log})
	t.Cleanup(func() { _ = e.svc.Teardown(context.Background()) })
	return e, x, s
}

func TestTeardownIgnoresQueuedNotifications(t *testing.T) {
	e, x, _ := newHeldEnv(t)
	e.dev.ChunkSize = 2
	e.dev.Delay = 50 * time.Millisecond
	ctx := context.Background()

	rec, err := e.svc.Start(ctx, devAddr, "/lfs1/log.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for x.pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no progress was queued")
		}
		time.Sleep(time.Millisecond)
	}
	if err := e.svc.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	x.release()

	got, _ := e.svc.Get(ctx, rec.ID)
	if got.State != data.StateCanceled || got.FinishedAt == nil || got.FailureMessage != "session torn down" {
		t.Fatalf("record changed after teardown: %+v", got)
	}
	select {
	case m := <-e.sub.C:
		t.Fatalf("unexpected message after teardown %+v", m)
	default:
	}
}

func TestTeardownAfterCompletionKeepsRecord(t *testing.T) {
	e, x, s := newHeldEnv(t)
	ctx := context.Background()

	rec, err := e.svc.Start(ctx, devAddr, "/lfs1/log.bin")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != data.StateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("transfer never completed")
		}
		time.Sleep(time.Millisecond)
	}
	if err := e.svc.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	x.release()

	got, _ := e.svc.Get(ctx, rec.ID)
	if got.State != data.StateCompleted || got.FailureMessage != "" || got.Size != 16 {
		t.Fatalf("terminal record overwritten: %+v", got)
	}
}
