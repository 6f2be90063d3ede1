package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trustlance/internal/hmacauth"
)

const (
	jobsPath          = "/api/v1/jobs"
	idempotencyHeader = "X-Idempotency-Key"
	maxErrorBody      = 512
)

// StatusError is a non-2xx answer from the persistence endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("persistence endpoint returned %d: %s", e.StatusCode, e.Body)
}

// CreateResponse is the body of a successful POST /api/v1/jobs.
type CreateResponse struct {
	ID     string `json:"id"`
	TempID string `json:"temp_id"`
	Status string `json:"status"`
}

// Client talks to the persistence endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *hmacauth.Signer
}

type ClientConfig struct {
	BaseURL    string
	HMACSecret string
	HTTPClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("persistence base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		signer:     &hmacauth.Signer{Secret: cfg.HMACSecret},
	}, nil
}

// Create posts the payload once. Any non-2xx answer is returned as *StatusError;
// the caller decides what a failure means for funds already locked.
func (c *Client) Create(ctx context.Context, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+jobsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, p.TempID)
	c.signer.Sign(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}

	var out CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("persistence endpoint returned no job id")
	}
	return out.ID, nil
}

// Lookup fetches the record stored under tempID, or nil if none exists.
func (c *Client) Lookup(ctx context.Context, tempID string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+jobsPath+"/"+url.PathEscape(tempID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.signer.Sign(req, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
