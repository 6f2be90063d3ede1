package reviews

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func validSubmission() Submission {
	return Submission{
		ProjectID:        "job-1",
		FreelancerID:     "freelancer-1",
		FreelancerRating: 5,
		SiteRating:       4,
	}
}

func TestSubmitStoresBothReviews(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, BestEffort{}, zaptest.NewLogger(t))

	out, err := svc.Submit(context.Background(), "client-1", validSubmission())
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.True(t, out.SiteReviewSaved)

	site := store.SiteReviews()
	require.Len(t, site, 1)
	assert.Equal(t, defaultFeedback, site[0].Feedback)
	assert.True(t, site[0].IsPublic)
}

func TestSubmitIgnoresDuplicateFreelancerReview(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, BestEffort{}, nil)

	_, err := svc.Submit(context.Background(), "client-1", validSubmission())
	require.NoError(t, err)

	out, err := svc.Submit(context.Background(), "client-1", validSubmission())
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestSiteReviewFailureIsBestEffort(t *testing.T) {
	store := NewMemoryStore()
	store.SiteErr = errors.New("site_reviews unavailable")

	var failed []string
	svc := NewService(store, BestEffort{OnFailure: func(name string, _ error) {
		failed = append(failed, name)
	}}, zaptest.NewLogger(t))

	out, err := svc.Submit(context.Background(), "client-1", validSubmission())
	require.NoError(t, err)
	assert.False(t, out.SiteReviewSaved)
	assert.Equal(t, []string{"site_review"}, failed)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	svc := NewService(NewMemoryStore(), BestEffort{}, nil)

	_, err := svc.Submit(context.Background(), "", validSubmission())
	assert.ErrorIs(t, err, ErrInvalid)

	for name, mutate := range map[string]func(*Submission){
		"no project":    func(s *Submission) { s.ProjectID = "" },
		"no freelancer": func(s *Submission) { s.FreelancerID = " " },
		"rating zero":   func(s *Submission) { s.FreelancerRating = 0 },
		"site rating 6": func(s *Submission) { s.SiteRating = 6 },
	} {
		t.Run(name, func(t *testing.T) {
			sub := validSubmission()
			mutate(&sub)
			_, err := svc.Submit(context.Background(), "client-1", sub)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)

	r := FreelancerReview{
		ProjectID:  uuid.NewString(),
		ReviewerID: "client-1",
		RevieweeID: "freelancer-1",
		Rating:     5,
		Comment:    defaultComment,
	}
	require.NoError(t, store.InsertReview(ctx, r))
	assert.ErrorIs(t, store.InsertReview(ctx, r), ErrDuplicateReview)

	require.NoError(t, store.InsertSiteReview(ctx, SiteReview{
		UserID: "client-1", ProjectID: r.ProjectID, Rating: 4, Feedback: defaultFeedback, IsPublic: true,
	}))
}
