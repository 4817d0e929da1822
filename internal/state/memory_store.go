package state

import (
	"context"
	"sync"

	"convoy/internal/batch"
)

// MemoryStore is an in-process ActorStore. Mutation goes through Update's
// read-modify-write under a per-actor lock, so there is exactly one writer
// in flight per actor at a time.
type MemoryStore struct {
	mu     sync.Mutex
	actors map[string]*actorEntry
}

type actorEntry struct {
	mu    sync.Mutex
	state *batch.ActorState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actors: make(map[string]*actorEntry)}
}

func (s *MemoryStore) entry(actorID string) *actorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.actors[actorID]
	if !ok {
		e = &actorEntry{state: &batch.ActorState{ActorID: actorID}}
		s.actors[actorID] = e
	}
	return e
}

// Get returns a deep copy of the actor state so readers never observe
// concurrent mutation.
func (s *MemoryStore) Get(_ context.Context, actorID string) (*batch.ActorState, error) {
	e := s.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneActorState(e.state), nil
}

// Update runs fn on the actor's state under its write lock. When fn
// returns an error the mutation is discarded.
func (s *MemoryStore) Update(_ context.Context, actorID string, fn func(*batch.ActorState) error) error {
	e := s.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	working := cloneActorState(e.state)
	if err := fn(working); err != nil {
		return err
	}
	e.state = working
	return nil
}

// List returns the ids of all known actors.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	return ids, nil
}

func cloneActorState(st *batch.ActorState) *batch.ActorState {
	if st == nil {
		return nil
	}
	return &batch.ActorState{
		ActorID: st.ActorID,
		Active:  st.Active.Clone(),
		Pending: st.Pending.Clone(),
	}
}
