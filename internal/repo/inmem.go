package repo

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/fp"
)

type InMemoryRecordRepo struct {
	mu      sync.RWMutex
	records data.Records
}

var _ RecordRepo = (*InMemoryRecordRepo)(nil)

func NewInMemoryRecordRepo() *InMemoryRecordRepo {
	return &InMemoryRecordRepo{records: make(data.Records, 0)}
}

func (r *InMemoryRecordRepo) List(ctx context.Context) (data.Records, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records.Clone(), nil
}

func (r *InMemoryRecordRepo) Get(ctx context.Context, id string) (*data.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (r *InMemoryRecordRepo) LatestByFingerprint(ctx context.Context, fprint string) (*data.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Fingerprint == fprint {
			return r.records[i].Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryRecordRepo) Add(ctx context.Context, rec *data.Record) (*data.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := rec.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Fingerprint = fp.Fingerprint(c.DeviceID, c.Path)
	r.records = append(r.records, c)
	return c.Clone(), nil
}

func (r *InMemoryRecordRepo) Update(ctx context.Context, id string, mutate func(*data.Record) error) (*data.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = cur.ID
	next.Fingerprint = fp.Fingerprint(next.DeviceID, next.Path)
	*cur = *next
	return cur.Clone(), nil
}

func (r *InMemoryRecordRepo) findByID(id string) (*data.Record, error) {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, data.ErrNotFound
}
