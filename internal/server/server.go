// Package server is the persistence endpoint: it records job postings whose
// budget is already locked in escrow, serves them back by temp id for
// reconciliation and accepts project reviews.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trustlance/internal/config"
	"trustlance/internal/escrow"
	"trustlance/internal/hmacauth"
	"trustlance/internal/idempotency"
	"trustlance/internal/jobs"
	"trustlance/internal/reviews"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	requestIDHeader   = "X-Request-Id"
	// userIDHeader names the reviewer. It is only trusted on requests signed
	// by the web backend holding the user's session.
	userIDHeader = "X-User-Id"
	maxBodyBytes = 5 << 20
)

type Server struct {
	cfg         *config.AppConfig
	jobs        jobs.Store
	reviews     *reviews.Service
	replays     idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// Deps are the stores and probes the server is built from.
type Deps struct {
	Jobs    jobs.Store
	Reviews reviews.Store
	Replays idempotency.Store
	// Chain is optional; when set /health reports RPC reachability.
	Chain  escrow.HealthChecker
	Logger *zap.Logger
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		jobs:    deps.Jobs,
		replays: deps.Replays,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: metrics,
		logger:  logger.Named("server"),
	}
	s.reviews = reviews.NewService(deps.Reviews, reviews.BestEffort{
		Logger: s.logger,
		OnFailure: func(name string, _ error) {
			metrics.incBestEffortFailure(name)
		},
	}, s.logger)

	if checker, ok := deps.Jobs.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.Chain != nil {
		s.rpcHealthFn = deps.Chain.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/jobs", s.hmac.Middleware(http.HandlerFunc(s.handleCreateJob)))
	mux.Handle("GET /api/v1/jobs/{tempID}", s.hmac.Middleware(http.HandlerFunc(s.handleGetJob)))
	mux.Handle("POST /api/v1/reviews", s.hmac.Middleware(http.HandlerFunc(s.handleReviews)))
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.requestMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	bodyHash := idempotency.HashBody(body)

	existing, err := idempotency.Lookup(ctx, s.replays, key, bodyHash)
	if errors.Is(err, idempotency.ErrKeyReused) {
		s.metrics.incJob("key_reused")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		s.logger.Warn("replay lookup failed", zap.String("temp_id", key), zap.Error(err))
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incJob("replayed")
		return
	}

	var payload jobs.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.incJob("invalid")
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.TempID != key {
		s.metrics.incJob("invalid")
		http.Error(w, "X-Idempotency-Key must equal temp_id", http.StatusBadRequest)
		return
	}
	if err := jobs.ValidatePayload(payload); err != nil {
		s.metrics.incJob("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.jobs.Create(ctx, payload)
	if errors.Is(err, jobs.ErrDuplicateTempID) {
		s.metrics.incJob("duplicate")
		http.Error(w, "temp_id already used", http.StatusConflict)
		return
	}
	if err != nil {
		s.metrics.incJob("failed")
		s.logger.Error("job insert failed",
			zap.String("temp_id", payload.TempID),
			zap.String("tx_hash", payload.BlockchainTx),
			zap.Error(err),
		)
		http.Error(w, "failed to save job", http.StatusInternalServerError)
		return
	}

	resp, _ := json.Marshal(jobs.CreateResponse{ID: rec.ID, TempID: payload.TempID, Status: "created"})
	now := time.Now()
	if err := s.replays.Save(ctx, key, idempotency.Record{
		StatusCode: http.StatusCreated,
		Response:   resp,
		BodyHash:   bodyHash,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}); err != nil {
		s.logger.Warn("replay save failed", zap.String("temp_id", key), zap.Error(err))
	}

	s.logger.Info("job recorded",
		zap.String("job_id", rec.ID),
		zap.String("temp_id", payload.TempID),
		zap.String("tx_hash", payload.BlockchainTx),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(resp)
	s.metrics.incJob("created")
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tempID := r.PathValue("tempID")
	if !strings.HasPrefix(tempID, jobs.TempIDPrefix) {
		http.Error(w, "invalid temp id", http.StatusBadRequest)
		return
	}
	rec, err := s.jobs.GetByTempID(r.Context(), tempID)
	if err != nil {
		s.logger.Error("job lookup failed", zap.String("temp_id", tempID), zap.Error(err))
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

type reviewResponse struct {
	Success         bool `json:"success"`
	Duplicate       bool `json:"duplicate"`
	SiteReviewSaved bool `json:"siteReviewSaved"`
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var sub reviews.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	out, err := s.reviews.Submit(r.Context(), userID, sub)
	switch {
	case errors.Is(err, reviews.ErrInvalid):
		s.metrics.incReview("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.metrics.incReview("failed")
		s.logger.Error("review submission failed", zap.String("project_id", sub.ProjectID), zap.Error(err))
		http.Error(w, "failed to save freelancer review", http.StatusInternalServerError)
		return
	}

	if out.Duplicate {
		s.metrics.incReview("duplicate")
	} else {
		s.metrics.incReview("created")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reviewResponse{
		Success:         true,
		Duplicate:       out.Duplicate,
		SiteReviewSaved: out.SiteReviewSaved,
	})
}

type probe struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func runProbe(ctx context.Context, fn func(context.Context) error) probe {
	if fn == nil {
		return probe{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return probe{Error: err.Error()}
	}
	return probe{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rpcInfo := runProbe(r.Context(), s.rpcHealthFn)
	dbInfo := runProbe(r.Context(), s.dbHealthFn)

	status := "healthy"
	if !rpcInfo.Connected || !dbInfo.Connected {
		status = "degraded"
	}

	resp := struct {
		Status   string `json:"status"`
		ChainID  int64  `json:"chain_id"`
		RPC      probe  `json:"rpc"`
		Database probe  `json:"database"`
	}{
		Status:   status,
		ChainID:  s.cfg.Chain.ExpectedChainID,
		RPC:      rpcInfo,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestMiddleware assigns a request id and logs each request.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
