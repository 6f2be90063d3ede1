// Package idempotency caches the response to a job creation so a client that
// resends the same X-Idempotency-Key (the temp id) gets the original answer.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrKeyReused is returned when a key comes back with a different body.
var ErrKeyReused = errors.New("idempotency key reused with a different request body")

// Record is a cached response.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	BodyHash   string    `json:"bodyHash"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store abstracts replay persistence. Save keeps an unexpired record already
// stored under the key, so the first response is the one replayed.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// HashBody fingerprints a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached record for key, or nil. A record stored for a
// different body yields ErrKeyReused.
func Lookup(ctx context.Context, s Store, key, bodyHash string) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.BodyHash != "" && rec.BodyHash != bodyHash {
		return nil, ErrKeyReused
	}
	return rec, nil
}

// table is the expiring map behind the in-process stores.
type table map[string]Record

func (t table) get(key string, now time.Time) (*Record, bool) {
	rec, ok := t[key]
	if !ok {
		return nil, false
	}
	if rec.expired(now) {
		delete(t, key)
		return nil, true
	}
	return &rec, false
}

func (t table) put(key string, rec Record, now time.Time) bool {
	if cur, ok := t[key]; ok && !cur.expired(now) {
		return false
	}
	t[key] = rec
	return true
}

func (t table) prune(now time.Time) {
	for key, rec := range t {
		if rec.expired(now) {
			delete(t, key)
		}
	}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data table
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: table{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.data.get(key, m.now())
	return rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.put(key, record, m.now())
	return nil
}

// FileStore keeps records in one JSON file, rewritten atomically on change.
type FileStore struct {
	path string
	mu   sync.Mutex
	data table
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: table{}, now: time.Now}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load replay file %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(blob) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	f.data.prune(f.now())
	return nil
}

func (f *FileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, dropped := f.data.get(key, f.now())
	if dropped {
		return nil, f.flush()
	}
	return rec, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.data.put(key, record, f.now()) {
		return nil
	}
	return f.flush()
}
