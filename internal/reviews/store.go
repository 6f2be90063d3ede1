package reviews

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu          sync.Mutex
	reviews     map[string]FreelancerReview
	siteReviews []SiteReview
	// SiteErr makes InsertSiteReview fail.
	SiteErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviews: make(map[string]FreelancerReview)}
}

func reviewKey(r FreelancerReview) string {
	return r.ProjectID + "|" + r.ReviewerID + "|" + r.RevieweeID
}

func (m *MemoryStore) InsertReview(_ context.Context, r FreelancerReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reviewKey(r)
	if _, ok := m.reviews[key]; ok {
		return ErrDuplicateReview
	}
	m.reviews[key] = r
	return nil
}

func (m *MemoryStore) InsertSiteReview(_ context.Context, r SiteReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SiteErr != nil {
		return m.SiteErr
	}
	m.siteReviews = append(m.siteReviews, r)
	return nil
}

// SiteReviews returns a copy of the stored site reviews.
func (m *MemoryStore) SiteReviews() []SiteReview {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SiteReview(nil), m.siteReviews...)
}

const uniqueViolation = "23505"

const createReviewTablesSQL = `
CREATE TABLE IF NOT EXISTS reviews (
    id UUID PRIMARY KEY,
    project_id TEXT NOT NULL,
    reviewer_id TEXT NOT NULL,
    reviewee_id TEXT NOT NULL,
    rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
    comment TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (project_id, reviewer_id, reviewee_id)
);
CREATE TABLE IF NOT EXISTS site_reviews (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
    feedback TEXT NOT NULL,
    is_public BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore writes reviews to PostgreSQL. The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createReviewTablesSQL); err != nil {
		return nil, fmt.Errorf("create review tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) InsertReview(ctx context.Context, r FreelancerReview) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO reviews (id, project_id, reviewer_id, reviewee_id, rating, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, uuid.NewString(), r.ProjectID, r.ReviewerID, r.RevieweeID, r.Rating, r.Comment, time.Now().UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateReview
	}
	return err
}

func (p *PostgresStore) InsertSiteReview(ctx context.Context, r SiteReview) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO site_reviews (id, user_id, project_id, rating, feedback, is_public, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, uuid.NewString(), r.UserID, r.ProjectID, r.Rating, r.Feedback, r.IsPublic, time.Now().UTC())
	return err
}
