package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"convoy/internal/batch"
	"convoy/internal/logging"
)

// FileStore persists one JSON document per actor under baseDir. It keeps
// the same single-writer-per-actor discipline as MemoryStore; the lock is
// held across read, mutate, and write so the on-disk blob is always one
// consistent snapshot.
type FileStore struct {
	baseDir string
	logger  logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the base directory if needed. A leading ~/ in
// baseDir expands to the user's home.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("actor file store: resolve home: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("actor file store: create %s: %w", baseDir, err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logging.OrNop(logger),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) lock(actorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[actorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[actorID] = l
	}
	return l
}

// path sanitizes the actor id into a filename.
func (s *FileStore) path(actorID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, actorID)
	return filepath.Join(s.baseDir, safe+".json")
}

func (s *FileStore) load(actorID string) (*batch.ActorState, error) {
	data, err := os.ReadFile(s.path(actorID))
	if os.IsNotExist(err) {
		return &batch.ActorState{ActorID: actorID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("actor file store: read %s: %w", actorID, err)
	}
	var st batch.ActorState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Error("actor file store: corrupt state for %s, starting fresh: %v", actorID, err)
		return &batch.ActorState{ActorID: actorID}, nil
	}
	return &st, nil
}

func (s *FileStore) save(actorID string, st *batch.ActorState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("actor file store: encode %s: %w", actorID, err)
	}
	path := s.path(actorID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("actor file store: write %s: %w", actorID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("actor file store: replace %s: %w", actorID, err)
	}
	return nil
}

// Get loads the persisted state, returning a fresh empty state for an
// unknown actor.
func (s *FileStore) Get(_ context.Context, actorID string) (*batch.ActorState, error) {
	l := s.lock(actorID)
	l.Lock()
	defer l.Unlock()
	return s.load(actorID)
}

// Update applies fn under the actor lock and persists the result with an
// atomic rename.
func (s *FileStore) Update(_ context.Context, actorID string, fn func(*batch.ActorState) error) error {
	l := s.lock(actorID)
	l.Lock()
	defer l.Unlock()
	st, err := s.load(actorID)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	st.ActorID = actorID
	return s.save(actorID, st)
}

// List returns the ids of all persisted actors.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("actor file store: list: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
