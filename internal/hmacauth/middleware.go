// Package hmacauth signs and verifies requests between the job client and the
// persistence service with a shared secret.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks HMAC-SHA256 over timestamp, method, path and body.
// An empty Secret disables verification.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks r and leaves its body readable for the next handler.
func (v *Verifier) Verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sig := strings.ToLower(r.Header.Get(HeaderSignature))
	if sig == "" {
		return ErrMissingSignature
	}
	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	skew := clock(v.Now).Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	want := signature(v.Secret, ts, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Signer stamps outgoing requests so a Verifier with the same secret accepts them.
type Signer struct {
	Secret string
	Now    func() time.Time
}

// Sign sets the timestamp and signature headers for body. It is a no-op when
// no secret is configured.
func (s *Signer) Sign(req *http.Request, body []byte) {
	if s == nil || s.Secret == "" {
		return
	}
	ts := strconv.FormatInt(clock(s.Now).Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, signature(s.Secret, ts, req.Method, req.URL.Path, body))
}

func signature(secret, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + method + "\n" + path + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now()
	}
	return now()
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
