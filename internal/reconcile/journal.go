// Package reconcile keeps a durable journal of escrow locks whose job record
// could not be persisted, so an operator can match them up later.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no entry exists for a temp id.
var ErrNotFound = errors.New("journal entry not found")

const (
	ResolutionPersisted = "persisted"
	ResolutionReverted  = "reverted"
	ResolutionManual    = "manual"
)

// Entry describes funds that may be locked on-chain without a matching job
// record.
type Entry struct {
	TempID           string     `json:"temp_id"`
	TxHash           string     `json:"tx_hash"`
	DraftFingerprint string     `json:"draft_fingerprint"`
	Budget           string     `json:"budget"`
	BudgetBaseUnits  string     `json:"budget_base_units"`
	ChainID          string     `json:"chain_id"`
	Error            string     `json:"error"`
	// Unconfirmed marks a lock whose transaction outcome was never observed.
	Unconfirmed      bool       `json:"unconfirmed,omitempty"`
	RecordedAt       time.Time  `json:"recorded_at"`
	Resolution       string     `json:"resolution,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether an operator has dealt with the entry.
func (e Entry) Resolved() bool {
	return e.ResolvedAt != nil
}

// Journal stores desync entries.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Unresolved returns the newest unresolved entry for the draft, or nil.
	Unresolved(ctx context.Context, fingerprint string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Resolve(ctx context.Context, tempID, resolution string) error
}

// FileJournal writes one JSON document per entry into a directory.
type FileJournal struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if dir == "" {
		return nil, errors.New("journal directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	return &FileJournal{dir: dir, now: time.Now}, nil
}

func (j *FileJournal) Record(_ context.Context, e Entry) error {
	if e.TempID == "" {
		return errors.New("journal entry needs a temp id")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.RecordedAt.IsZero() {
		e.RecordedAt = j.now().UTC()
	}
	name := fmt.Sprintf("%d-%s.json", e.RecordedAt.UnixNano(), e.TempID)
	return j.write(filepath.Join(j.dir, name), e)
}

func (j *FileJournal) Unresolved(_ context.Context, fingerprint string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i].entry
		if e.DraftFingerprint == fingerprint && !e.Resolved() {
			return &e, nil
		}
	}
	return nil, nil
}

func (j *FileJournal) List(_ context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		out = append(out, f.entry)
	}
	return out, nil
}

func (j *FileJournal) Resolve(_ context.Context, tempID, resolution string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.readAll()
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.entry.TempID != tempID {
			continue
		}
		resolvedAt := j.now().UTC()
		f.entry.Resolution = resolution
		f.entry.ResolvedAt = &resolvedAt
		return j.write(f.path, f.entry)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, tempID)
}

// Depth counts unresolved entries.
func (j *FileJournal) Depth() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.readAll()
	if err != nil {
		return 0, err
	}
	depth := 0
	for _, f := range files {
		if !f.entry.Resolved() {
			depth++
		}
	}
	return depth, nil
}

type journalFile struct {
	path  string
	entry Entry
}

// readAll returns entries ordered by file name, i.e. by record time.
func (j *FileJournal) readAll() ([]journalFile, error) {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("journal read: %w", err)
	}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)

	out := make([]journalFile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(j.dir, name)
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("journal read %s: %w", name, err)
		}
		var e Entry
		if err := json.Unmarshal(blob, &e); err != nil {
			return nil, fmt.Errorf("journal decode %s: %w", name, err)
		}
		out = append(out, journalFile{path: path, entry: e})
	}
	return out, nil
}

func (j *FileJournal) write(path string, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	return os.Rename(tmp, path)
}
