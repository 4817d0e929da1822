package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one persisted one-shot timer. At most one entry exists per key;
// scheduling again replaces it.
type Entry struct {
	Key       string          `json:"key"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FireAt    time.Time       `json:"fire_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks that the entry has the minimum required fields.
func (e *Entry) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("timer entry: key is required")
	}
	if e.Handler == "" {
		return fmt.Errorf("timer entry: handler is required")
	}
	if e.FireAt.IsZero() {
		return fmt.Errorf("timer entry: fire time is required")
	}
	return nil
}

// Store is the persistence contract for timer entries. Implementations
// must make List-after-restart return everything Saved before the crash.
type Store interface {
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Entry, error)
}

// MemoryStore keeps entries in process memory. Suitable for tests and for
// deployments where the host platform already provides durability.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory timer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Save(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

// FileStore persists one JSON file per key under baseDir so schedules
// survive process restarts.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("timer file store: resolve home: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("timer file store: create %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.baseDir, safe+".timer.json")
}

func (s *FileStore) Save(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("timer file store: encode %s: %w", entry.Key, err)
	}
	path := s.path(entry.Key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("timer file store: write %s: %w", entry.Key, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("timer file store: delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("timer file store: list: %w", err)
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".timer.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			// Corrupt entries are skipped, not fatal.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
