package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trustlance/internal/config"
	"trustlance/internal/coordinator"
	"trustlance/internal/escrow"
	"trustlance/internal/hmacauth"
	"trustlance/internal/idempotency"
	"trustlance/internal/jobs"
	"trustlance/internal/reconcile"
	"trustlance/internal/reviews"
	"trustlance/internal/units"
	"trustlance/internal/wallet"
)

const (
	testSecret = "test-secret"
	testTx     = "0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Chain: config.ChainConfig{ExpectedChainID: 8082},
	}
}

func testDraft() jobs.Draft {
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	return jobs.Draft{
		Title:              "Build a modern e-commerce website",
		Description:        "Storefront with cart, checkout and an admin dashboard for orders.",
		Category:           "development",
		Subcategory:        "Web Development",
		BudgetType:         "fixed",
		BudgetAmount:       "500.00",
		StartDate:          start,
		EndDate:            start.Add(30 * 24 * time.Hour),
		ExperienceLevel:    "intermediate",
		Skills:             []string{"React", "Node.js"},
		LocationPreference: "anywhere",
		Visibility:         "public",
		ClientSignature:    "data:image/png;base64,AAAA",
	}
}

func testPayload(tempID string) jobs.Payload {
	return jobs.NewPayload(testDraft(), decimal.RequireFromString("500"), tempID, testTx, time.Unix(1_700_000_000, 0))
}

type fixture struct {
	srv     *Server
	http    *httptest.Server
	jobs    *jobs.MemoryStore
	reviews *reviews.MemoryStore
	client  *jobs.Client
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		jobs:    jobs.NewMemoryStore(),
		reviews: reviews.NewMemoryStore(),
	}
	deps := Deps{
		Jobs:    f.jobs,
		Reviews: f.reviews,
		Replays: idempotency.NewMemoryStore(),
		Logger:  zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.srv = NewServer(testConfig(), deps)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)

	client, err := jobs.NewClient(jobs.ClientConfig{BaseURL: f.http.URL, HMACSecret: testSecret})
	require.NoError(t, err)
	f.client = client
	return f
}

func (f *fixture) post(t *testing.T, path string, body []byte, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.http.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signedHeader(t *testing.T, path string, body []byte, key string) http.Header {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	(&hmacauth.Signer{Secret: testSecret}).Sign(req, body)
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	req.Header.Set("Content-Type", "application/json")
	return req.Header
}

func reviewHeader(t *testing.T, body []byte, userID string) http.Header {
	t.Helper()
	h := signedHeader(t, "/api/v1/reviews", body, "")
	h.Set("X-User-Id", userID)
	return h
}

func TestCreateJobReplaysSameRequest(t *testing.T) {
	f := newFixture(t, nil)
	p := testPayload("PROJ_A1")

	first, err := f.client.Create(context.Background(), p)
	require.NoError(t, err)

	second, err := f.client.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec, err := f.jobs.GetByTempID(context.Background(), "PROJ_A1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first, rec.ID)
	assert.Equal(t, testTx, rec.Payload.BlockchainTx)
}

func TestCreateJobRequiresSignature(t *testing.T) {
	f := newFixture(t, nil)
	body, _ := json.Marshal(testPayload("PROJ_A2"))

	resp := f.post(t, "/api/v1/jobs", body, http.Header{"X-Idempotency-Key": {"PROJ_A2"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateJobRejectsReusedKey(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client.Create(context.Background(), testPayload("PROJ_A3"))
	require.NoError(t, err)

	changed := testPayload("PROJ_A3")
	changed.Title = "A different project title entirely"
	_, err = f.client.Create(context.Background(), changed)

	var statusErr *jobs.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
}

func TestCreateJobConflictsOnRecordedTempID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.jobs.Create(context.Background(), testPayload("PROJ_A4"))
	require.NoError(t, err)

	_, err = f.client.Create(context.Background(), testPayload("PROJ_A4"))
	var statusErr *jobs.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		mutate func(*jobs.Payload)
		key    string
	}{
		{"escrow not locked", func(p *jobs.Payload) { p.EscrowLocked = false }, ""},
		{"missing tx", func(p *jobs.Payload) { p.BlockchainTx = "" }, ""},
		{"short title", func(p *jobs.Payload) { p.Title = "Site" }, ""},
		{"key differs from temp id", func(*jobs.Payload) {}, "PROJ_OTHER"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPayload("PROJ_V" + string(rune('0'+i)))
			tt.mutate(&p)
			key := tt.key
			if key == "" {
				key = p.TempID
			}
			body, _ := json.Marshal(p)
			resp := f.post(t, "/api/v1/jobs", body, signedHeader(t, "/api/v1/jobs", body, key))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetJobByTempID(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.client.Create(context.Background(), testPayload("PROJ_G1"))
	require.NoError(t, err)

	rec, err := f.client.Lookup(context.Background(), "PROJ_G1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)

	missing, err := f.client.Lookup(context.Background(), "PROJ_NONE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReviews(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"projectId":"job-1","freelancerId":"fl-1","freelancerRating":5,"siteRating":4}`)

	resp := f.post(t, "/api/v1/reviews", body, signedHeader(t, "/api/v1/reviews", body, ""))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "signed but no user")

	resp = f.post(t, "/api/v1/reviews", body, reviewHeader(t, body, "client-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out reviewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.False(t, out.Duplicate)
	assert.True(t, out.SiteReviewSaved)

	resp = f.post(t, "/api/v1/reviews", body, reviewHeader(t, body, "client-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Duplicate)

	invalid := []byte(`{"projectId":"job-1"}`)
	resp = f.post(t, "/api/v1/reviews", invalid, reviewHeader(t, invalid, "client-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReviewsRequireSignedCaller(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"projectId":"job-3","freelancerId":"fl-1","freelancerRating":5,"siteRating":4}`)

	resp := f.post(t, "/api/v1/reviews", body, http.Header{"X-User-Id": {"client-1"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A signature made for the jobs route does not authorize a review.
	h := signedHeader(t, "/api/v1/jobs", body, "")
	h.Set("X-User-Id", "client-1")
	resp = f.post(t, "/api/v1/reviews", body, h)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, f.reviews.SiteReviews())
}

func TestReviewsSiteFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, nil)
	f.reviews.SiteErr = errors.New("site_reviews unavailable")

	body := []byte(`{"projectId":"job-2","freelancerId":"fl-1","freelancerRating":5,"siteRating":4}`)
	resp := f.post(t, "/api/v1/reviews", body, reviewHeader(t, body, "client-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out reviewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.False(t, out.SiteReviewSaved)

	metrics, err := http.Get(f.http.URL + "/api/v1/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(metrics.Body)
	assert.Contains(t, buf.String(), `trustlance_best_effort_failures_total{write="site_review"} 1`)
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.http.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	degraded := newFixture(t, func(d *Deps) {
		d.Chain = pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })
	})
	resp2, err := http.Get(degraded.http.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)

	var body struct {
		Status string `json:"status"`
		RPC    probe  `json:"rpc"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.RPC.Error, "refused")
}

type failingJobs struct {
	*jobs.MemoryStore
}

func (failingJobs) Create(context.Context, jobs.Payload) (jobs.Record, error) {
	return jobs.Record{}, errors.New("connection reset")
}

func newCoordinator(t *testing.T, client *jobs.Client, journal reconcile.Journal) (*coordinator.Coordinator, *escrow.FakeClient) {
	t.Helper()
	budget, err := units.ToBaseUnits("1000")
	require.NoError(t, err)

	esc := &escrow.FakeClient{}
	c, err := coordinator.New(coordinator.Config{
		ExpectedChainID: big.NewInt(8082),
		ConfirmTimeout:  time.Second,
	}, coordinator.Deps{
		Wallet: &wallet.FakeProvider{
			Chain:   big.NewInt(8082),
			Account: common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
			Funds:   budget,
		},
		Escrow:    esc,
		Persister: client,
		Journal:   journal,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c, esc
}

func TestCoordinatorAgainstServer(t *testing.T) {
	f := newFixture(t, nil)
	journal, err := reconcile.NewFileJournal(t.TempDir())
	require.NoError(t, err)
	c, esc := newCoordinator(t, f.client, journal)

	id, err := c.Submit(context.Background(), testDraft())
	require.NoError(t, err)

	locks := esc.Locks()
	require.Len(t, locks, 1)
	rec, err := f.client.Lookup(context.Background(), locks[0].ProjectID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.True(t, rec.Payload.EscrowLocked)
	assert.True(t, strings.HasPrefix(rec.Payload.BlockchainTx, "0x"))
	assert.Equal(t, "500000000000000000000", rec.Payload.BudgetAmount.Shift(units.Decimals).String())
}

func TestCoordinatorDesyncAgainstServer(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Jobs = failingJobs{jobs.NewMemoryStore()} })
	journal, err := reconcile.NewFileJournal(t.TempDir())
	require.NoError(t, err)
	c, _ := newCoordinator(t, f.client, journal)

	_, err = c.Submit(context.Background(), testDraft())
	require.ErrorIs(t, err, coordinator.ErrPersistenceDesync)

	se, ok := coordinator.AsSubmissionError(err)
	require.True(t, ok)
	assert.NotEmpty(t, se.TransactionHash)
	assert.NotEmpty(t, se.TemporaryProjectID)

	var statusErr *jobs.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	entries, err := journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, se.TransactionHash, entries[0].TxHash)
}
