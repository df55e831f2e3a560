package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/fp"
	"github.com/tinoosan/mcufetch/internal/hub"
	"github.com/tinoosan/mcufetch/internal/repo"
	"github.com/tinoosan/mcufetch/internal/session"
)

// DefaultContentLimit is the default byte budget for retained payloads.
const DefaultContentLimit = 32 << 20

const repoTimeout = 5 * time.Second

// Download is the host binding over one download session.
type Download interface {
	// Start begins a download and returns its history record.
	Start(ctx context.Context, deviceID, path string) (*data.Record, error)
	Cancel(ctx context.Context) error
	Teardown(ctx context.Context) error
	Current(ctx context.Context) data.Info
	List(ctx context.Context) (data.Records, error)
	Get(ctx context.Context, id string) (*data.Record, error)
	// Content returns the payload of a completed download while it is retained.
	Content(ctx context.Context, id string) ([]byte, error)
}

// Options tune the binding.
type Options struct {
	Hub          *hub.Hub
	ContentLimit int
	Logger       *slog.Logger
}

type download struct {
	repo  repo.RecordRepo
	s     *session.Session
	hub   *hub.Hub
	cache *payloadCache
	log   *slog.Logger

	// mu orders record creation before any notification for that attempt
	// touches the record.
	mu  sync.Mutex
	cur *attempt
}

// attempt is the record bound to one session attempt.
type attempt struct {
	id           string
	transferring bool
	// closed is set once Teardown has finalized the record.
	closed bool
}

func NewDownload(r repo.RecordRepo, s *session.Session, opts Options) Download {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := opts.ContentLimit
	if limit <= 0 {
		limit = DefaultContentLimit
	}
	return &download{repo: r, s: s, hub: opts.Hub, cache: newPayloadCache(limit), log: log}
}

func (ds *download) Start(ctx context.Context, deviceID, path string) (*data.Record, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(path) == "" {
		return nil, data.ErrBadRequest
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	att := &attempt{}
	if err := ds.s.Start(deviceID, path, ds.callbacks(att)); err != nil {
		return nil, err
	}
	info := ds.s.Info()
	att.id = info.ID
	ds.cur = att

	if prev, err := ds.repo.LatestByFingerprint(ctx, fp.Fingerprint(deviceID, path)); err == nil {
		ds.log.Debug("retrying earlier attempt", "previous_id", prev.ID, "previous_state", prev.State)
	}
	rec, err := ds.repo.Add(ctx, &data.Record{
		ID:        att.id,
		DeviceID:  deviceID,
		Path:      path,
		State:     data.StateInitializing,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		// The attempt is running; its notifications still reach the hub.
		ds.log.Error("failed to record download", "session_id", att.id, "err", err)
		return nil, err
	}
	return rec, nil
}

func (ds *download) Cancel(ctx context.Context) error {
	return ds.s.Cancel()
}

// Teardown releases the session. An attempt cut short this way gets no
// notification, so its record is closed here.
func (ds *download) Teardown(ctx context.Context) error {
	torn, err := ds.s.TeardownAttempt()
	if torn == "" {
		return err
	}

	ds.mu.Lock()
	att := ds.cur
	if att == nil || att.id != torn {
		ds.mu.Unlock()
		return err
	}
	att.closed = true
	ds.cur = nil
	ds.mu.Unlock()

	ds.finishRecord(att.id, func(r *data.Record) {
		r.State = data.StateCanceled
		r.FailureMessage = "session torn down"
	})
	return err
}

func (ds *download) Current(ctx context.Context) data.Info {
	return ds.s.Info()
}

func (ds *download) List(ctx context.Context) (data.Records, error) {
	return ds.repo.List(ctx)
}

func (ds *download) Get(ctx context.Context, id string) (*data.Record, error) {
	return ds.repo.Get(ctx, id)
}

func (ds *download) Content(ctx context.Context, id string) ([]byte, error) {
	rec, err := ds.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != data.StateCompleted {
		return nil, data.ErrNotFound
	}
	b, ok := ds.cache.get(id)
	if !ok {
		return nil, data.ErrContentGone
	}
	return b, nil
}

// callbacks run on the session's dispatcher. Each waits for Start to
// finish recording the attempt before touching the record.
func (ds *download) callbacks(att *attempt) session.Callbacks {
	return session.Callbacks{
		OnProgress: func(p data.Progress) {
			id, first, ok := ds.enter(att, true)
			if !ok {
				return
			}
			if first {
				ds.updateRecord(id, func(r *data.Record) { r.State = data.StateTransferring })
			}
			ds.publish(id, hub.TypeProgress, p)
		},
		OnFailure: func(f data.Failure) {
			id, _, ok := ds.enter(att, false)
			if !ok {
				return
			}
			ds.finishRecord(id, func(r *data.Record) {
				r.State = data.StateFailed
				r.FailureCode = data.FailureKind(f.Code)
				r.FailureMessage = f.Message
			})
			ds.publish(id, hub.TypeFailure, f)
		},
		OnCancellation: func(c data.Cancellation) {
			id, _, ok := ds.enter(att, false)
			if !ok {
				return
			}
			ds.finishRecord(id, func(r *data.Record) { r.State = data.StateCanceled })
			ds.publish(id, hub.TypeCancellation, c)
		},
		OnCompletion: func(c data.Completion) {
			id, _, ok := ds.enter(att, false)
			if !ok {
				return
			}
			b := []byte(c.Data)
			if !ds.cache.put(id, b) {
				ds.log.Warn("payload exceeds content limit; not retained", "session_id", id, "size", c.Size)
			}
			ds.finishRecord(id, func(r *data.Record) {
				r.State = data.StateCompleted
				r.Size = c.Size
				r.Checksum = fp.Checksum(b)
			})
			ds.publish(id, hub.TypeCompletion, completionSummary{RecordID: id, Size: c.Size})
		},
	}
}

// completionSummary is what stream subscribers get instead of the payload;
// the bytes are served from the content endpoint.
type completionSummary struct {
	RecordID string `json:"recordId"`
	Size     int    `json:"size"`
}

// enter returns the attempt's record id once Start has released mu. With
// progress set it also reports whether this is the first progress event.
// ok is false once Teardown has closed the record.
func (ds *download) enter(att *attempt, progress bool) (id string, first, ok bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if att.closed {
		return att.id, false, false
	}
	if !progress || att.transferring {
		return att.id, false, true
	}
	att.transferring = true
	return att.id, true, true
}

func (ds *download) finishRecord(id string, mutate func(*data.Record)) {
	ds.updateRecord(id, func(r *data.Record) {
		mutate(r)
		now := time.Now().UTC()
		r.FinishedAt = &now
	})
}

func (ds *download) updateRecord(id string, mutate func(*data.Record)) {
	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()
	_, err := ds.repo.Update(ctx, id, func(r *data.Record) error {
		mutate(r)
		return nil
	})
	if err != nil && !errors.Is(err, data.ErrNotFound) {
		ds.log.Error("failed to update download record", "session_id", id, "err", err)
	}
}

func (ds *download) publish(id, typ string, payload any) {
	if ds.hub == nil {
		return
	}
	ds.hub.Publish(hub.Message{SessionID: id, Type: typ, Payload: payload})
}
