// Package reviews records the feedback left when a project is closed: a
// rating of the freelancer and a rating of the marketplace itself.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultComment  = "Project completed successfully."
	defaultFeedback = "No feedback provided"
	minRating       = 1
	maxRating       = 5
)

var (
	// ErrDuplicateReview means the reviewer already rated this freelancer on this project.
	ErrDuplicateReview = errors.New("review already submitted")
	ErrInvalid         = errors.New("invalid review")
)

// Submission is the body of POST /api/v1/reviews.
type Submission struct {
	ProjectID        string `json:"projectId"`
	FreelancerID     string `json:"freelancerId"`
	FreelancerRating int    `json:"freelancerRating"`
	SiteRating       int    `json:"siteRating"`
	SiteFeedback     string `json:"siteFeedback"`
}

func (s Submission) Validate() error {
	switch {
	case strings.TrimSpace(s.ProjectID) == "":
		return fmt.Errorf("%w: projectId is required", ErrInvalid)
	case strings.TrimSpace(s.FreelancerID) == "":
		return fmt.Errorf("%w: freelancerId is required", ErrInvalid)
	case s.FreelancerRating < minRating || s.FreelancerRating > maxRating:
		return fmt.Errorf("%w: freelancerRating must be %d-%d", ErrInvalid, minRating, maxRating)
	case s.SiteRating < minRating || s.SiteRating > maxRating:
		return fmt.Errorf("%w: siteRating must be %d-%d", ErrInvalid, minRating, maxRating)
	}
	return nil
}

type FreelancerReview struct {
	ProjectID  string
	ReviewerID string
	RevieweeID string
	Rating     int
	Comment    string
}

type SiteReview struct {
	UserID    string
	ProjectID string
	Rating    int
	Feedback  string
	IsPublic  bool
}

type Store interface {
	// InsertReview returns ErrDuplicateReview when the review already exists.
	InsertReview(ctx context.Context, r FreelancerReview) error
	InsertSiteReview(ctx context.Context, r SiteReview) error
}

// BestEffort is the policy for side records whose loss must not fail the
// primary operation: the write runs, a failure is logged and counted, and the
// caller carries on.
type BestEffort struct {
	Logger    *zap.Logger
	OnFailure func(name string, err error)
}

// Do runs fn under the policy and reports whether it succeeded.
func (b BestEffort) Do(ctx context.Context, name string, fn func(context.Context) error) bool {
	err := fn(ctx)
	if err == nil {
		return true
	}
	if b.Logger != nil {
		b.Logger.Warn("best-effort write failed", zap.String("write", name), zap.Error(err))
	}
	if b.OnFailure != nil {
		b.OnFailure(name, err)
	}
	return false
}

// Outcome tells the caller which records were written.
type Outcome struct {
	Duplicate       bool `json:"duplicate"`
	SiteReviewSaved bool `json:"siteReviewSaved"`
}

type Service struct {
	store  Store
	policy BestEffort
	logger *zap.Logger
}

func NewService(store Store, policy BestEffort, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// Submit stores the freelancer review, treating a duplicate as already done,
// then the site review under the best-effort policy.
func (s *Service) Submit(ctx context.Context, userID string, sub Submission) (Outcome, error) {
	if userID == "" {
		return Outcome{}, fmt.Errorf("%w: reviewer is required", ErrInvalid)
	}
	if err := sub.Validate(); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err := s.store.InsertReview(ctx, FreelancerReview{
		ProjectID:  sub.ProjectID,
		ReviewerID: userID,
		RevieweeID: sub.FreelancerID,
		Rating:     sub.FreelancerRating,
		Comment:    defaultComment,
	})
	switch {
	case errors.Is(err, ErrDuplicateReview):
		out.Duplicate = true
		s.logger.Debug("duplicate freelancer review ignored",
			zap.String("project_id", sub.ProjectID),
			zap.String("reviewer_id", userID),
		)
	case err != nil:
		return Outcome{}, fmt.Errorf("save freelancer review: %w", err)
	}

	feedback := strings.TrimSpace(sub.SiteFeedback)
	if feedback == "" {
		feedback = defaultFeedback
	}
	out.SiteReviewSaved = s.policy.Do(ctx, "site_review", func(ctx context.Context) error {
		return s.store.InsertSiteReview(ctx, SiteReview{
			UserID:    userID,
			ProjectID: sub.ProjectID,
			Rating:    sub.SiteRating,
			Feedback:  feedback,
			IsPublic:  true,
		})
	})
	return out, nil
}
