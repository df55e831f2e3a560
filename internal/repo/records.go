package repo

import (
	"context"

	"github.com/tinoosan/mcufetch/internal/data"
)

// RecordRepo stores the history of download attempts.
type RecordRepo interface {
	RecordReader
	RecordWriter
}

type RecordReader interface {
	// List returns records oldest first.
	List(ctx context.Context) (data.Records, error)
	Get(ctx context.Context, id string) (*data.Record, error)
	// LatestByFingerprint returns the most recent attempt at the same device and path.
	LatestByFingerprint(ctx context.Context, fprint string) (*data.Record, error)
}

type RecordWriter interface {
	// Add assigns an ID when empty and fills in the fingerprint.
	Add(ctx context.Context, r *data.Record) (*data.Record, error)
	// Update applies mutate to the stored record and returns the result.
	Update(ctx context.Context, id string, mutate func(*data.Record) error) (*data.Record, error)
}
