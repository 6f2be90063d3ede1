package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateTempID is returned when a temp id was already used by a record.
var ErrDuplicateTempID = errors.New("temp_id already recorded")

// Store persists job records. temp_id is unique across records.
type Store interface {
	Create(ctx context.Context, p Payload) (Record, error)
	GetByTempID(ctx context.Context, tempID string) (*Record, error)
}

// MemoryStore is mostly for testing and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	byTemp map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTemp: make(map[string]Record)}
}

func (m *MemoryStore) Create(_ context.Context, p Payload) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byTemp[p.TempID]; exists {
		return Record{}, ErrDuplicateTempID
	}
	rec := Record{
		ID:        uuid.NewString(),
		Payload:   p,
		CreatedAt: time.Now().UTC(),
	}
	m.byTemp[p.TempID] = rec
	return rec, nil
}

func (m *MemoryStore) GetByTempID(_ context.Context, tempID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byTemp[tempID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
