package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps replay records next to the jobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const createReplaysSQL = `
CREATE TABLE IF NOT EXISTS job_replays (
    key TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    body_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_replays_expires_at ON job_replays (expires_at);
`

// NewPostgresStore ensures the table exists on a pool owned by the caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createReplaysSQL); err != nil {
		return nil, fmt.Errorf("create job_replays: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT status_code, response, body_hash, created_at, expires_at
FROM job_replays
WHERE key = $1 AND expires_at > $2
`, key, p.now()).Scan(&rec.StatusCode, &rec.Response, &rec.BodyHash, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get replay %s: %w", key, err)
	}
	return &rec, nil
}

// Save replaces a stored record only once it has expired, and prunes other
// expired rows in the same transaction.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := p.now()
		if _, err := tx.Exec(ctx, `DELETE FROM job_replays WHERE expires_at <= $1`, now); err != nil {
			return fmt.Errorf("prune replays: %w", err)
		}
		_, err := tx.Exec(ctx, `
INSERT INTO job_replays (key, status_code, response, body_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO NOTHING
`, key, record.StatusCode, record.Response, record.BodyHash, record.CreatedAt, record.ExpiresAt)
		if err != nil {
			return fmt.Errorf("save replay %s: %w", key, err)
		}
		return nil
	})
}
