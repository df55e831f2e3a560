package repo

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/fp"
)

var boltBuckets = struct {
	Metadata []byte
	Records  []byte
}{
	Metadata: []byte("__metadata__"),
	Records:  []byte("records"),
}

var boltVersionKey = []byte("version")

const boltVersion = 1

// BoltRepo implements RecordRepo in a single bbolt file, for hosts
// without a database server.
type BoltRepo struct {
	db *bbolt.DB
}

var _ RecordRepo = (*BoltRepo)(nil)

// NewBoltRepo opens or creates the database at path.
func NewBoltRepo(path string) (*BoltRepo, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(boltBuckets.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(boltBuckets.Records); err != nil {
			return err
		}
		v, err := json.Marshal(boltVersion)
		if err != nil {
			return err
		}
		return meta.Put(boltVersionKey, v)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRepo{db: db}, nil
}

func (r *BoltRepo) Close() error { return r.db.Close() }

func decodeRecord(v []byte) (*data.Record, error) {
	var rec data.Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	rec.Fingerprint = fp.Fingerprint(rec.DeviceID, rec.Path)
	return &rec, nil
}

func (r *BoltRepo) List(ctx context.Context) (data.Records, error) {
	out := data.Records{}
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBuckets.Records).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *BoltRepo) Get(ctx context.Context, id string) (rec *data.Record, err error) {
	err = r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBuckets.Records).Get([]byte(id))
		if v == nil {
			return data.ErrNotFound
		}
		rec, err = decodeRecord(v)
		return err
	})
	return rec, err
}

func (r *BoltRepo) LatestByFingerprint(ctx context.Context, fprint string) (*data.Record, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Fingerprint == fprint {
			return all[i], nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *BoltRepo) Add(ctx context.Context, rec *data.Record) (*data.Record, error) {
	c := rec.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Fingerprint = fp.Fingerprint(c.DeviceID, c.Path)
	v, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBuckets.Records).Put([]byte(c.ID), v)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *BoltRepo) Update(ctx context.Context, id string, mutate func(*data.Record) error) (next *data.Record, err error) {
	err = r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBuckets.Records)
		v := b.Get([]byte(id))
		if v == nil {
			return data.ErrNotFound
		}
		cur, err := decodeRecord(v)
		if err != nil {
			return err
		}
		next = cur.Clone()
		if mutate != nil {
			if err := mutate(next); err != nil {
				return err
			}
		}
		next.ID = cur.ID
		next.Fingerprint = fp.Fingerprint(next.DeviceID, next.Path)
		out, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}
