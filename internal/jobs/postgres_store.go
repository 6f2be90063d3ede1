package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore persists jobs in PostgreSQL. The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    temp_id TEXT NOT NULL UNIQUE,
    blockchain_tx TEXT NOT NULL,
    budget_amount NUMERIC(38, 18) NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore ensures the jobs table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createJobsTableSQL); err != nil {
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Create(ctx context.Context, payload Payload) (Record, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload: %w", err)
	}

	rec := Record{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO jobs (id, temp_id, blockchain_tx, budget_amount, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, rec.ID, payload.TempID, payload.BlockchainTx, payload.BudgetAmount.String(), blob, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Record{}, ErrDuplicateTempID
		}
		return Record{}, err
	}
	return rec, nil
}

func (p *PostgresStore) GetByTempID(ctx context.Context, tempID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, payload, created_at
FROM jobs
WHERE temp_id = $1
`, tempID)

	var (
		rec  Record
		blob []byte
	)
	if err := row.Scan(&rec.ID, &blob, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(blob, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
