package repo

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"github.com/tinoosan/mcufetch/internal/data"
	"github.com/tinoosan/mcufetch/internal/fp"
)

// PostgresRepo implements RecordRepo backed by PostgreSQL.
// It keeps one row per attempt in the `records` table.
type PostgresRepo struct {
	db *sql.DB
}

var _ RecordRepo = (*PostgresRepo)(nil)

// NewPostgresRepo constructs a repository using the provided DSN.
func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// DSNFromEnv builds a DSN from component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (mcufetch),
//	POSTGRES_USER (mcufetch), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
func DSNFromEnv() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(getenv("POSTGRES_USER", "mcufetch"), getenv("POSTGRES_PASSWORD", "")),
		Host:   net.JoinHostPort(getenv("POSTGRES_HOST", "postgres"), getenv("POSTGRES_PORT", "5432")),
		Path:   "/" + getenv("POSTGRES_DB", "mcufetch"),
	}
	q := url.Values{}
	q.Set("sslmode", getenv("POSTGRES_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPostgresRepoFromEnv connects using DSNFromEnv.
func NewPostgresRepoFromEnv() (*PostgresRepo, error) {
	return NewPostgresRepo(DSNFromEnv())
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS records (
    id UUID PRIMARY KEY,
    device_id TEXT NOT NULL,
    path TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    state TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    failure_code TEXT NOT NULL DEFAULT '',
    failure_message TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS records_fingerprint_idx ON records (fingerprint, started_at);
`)
	return err
}

const recordColumns = `id,device_id,path,fingerprint,state,size,checksum,failure_code,failure_message,started_at,finished_at`

func (r *PostgresRepo) List(ctx context.Context) (data.Records, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := data.Records{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*data.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, data.ErrNotFound
	}
	return r.one(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=$1`, id))
}

func (r *PostgresRepo) LatestByFingerprint(ctx context.Context, fprint string) (*data.Record, error) {
	return r.one(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE fingerprint=$1 ORDER BY started_at DESC LIMIT 1`, fprint))
}

func (r *PostgresRepo) one(row *sql.Row) (*data.Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepo) Add(ctx context.Context, rec *data.Record) (*data.Record, error) {
	c := rec.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Fingerprint = fp.Fingerprint(c.DeviceID, c.Path)
	_, err := r.db.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.DeviceID, c.Path, c.Fingerprint, string(c.State), c.Size, c.Checksum, string(c.FailureCode), c.FailureMessage, c.StartedAt, c.FinishedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Update serializes writers on the row with SELECT ... FOR UPDATE.
func (r *PostgresRepo) Update(ctx context.Context, id string, mutate func(*data.Record) error) (*data.Record, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
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

	if _, err := tx.ExecContext(ctx, `UPDATE records SET device_id=$1, path=$2, fingerprint=$3, state=$4, size=$5, checksum=$6, failure_code=$7, failure_message=$8, finished_at=$9 WHERE id=$10`,
		next.DeviceID, next.Path, next.Fingerprint, string(next.State), next.Size, next.Checksum, string(next.FailureCode), next.FailureMessage, next.FinishedAt, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(rs rowScanner) (*data.Record, error) {
	var (
		rec         data.Record
		state, code string
		finished    sql.NullTime
	)
	if err := rs.Scan(&rec.ID, &rec.DeviceID, &rec.Path, &rec.Fingerprint, &state, &rec.Size, &rec.Checksum, &code, &rec.FailureMessage, &rec.StartedAt, &finished); err != nil {
		return nil, err
	}
	rec.State = data.State(state)
	rec.FailureCode = data.FailureKind(code)
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}
