package agent

import (
	"sync"

	"convoy/internal/ports"
)

// historyBook keeps a bounded per-actor conversation transcript in memory.
// It exists so follow-up batches see prior turns; durable storage of
// transcripts is not this package's concern.
type historyBook struct {
	mu       sync.Mutex
	turns    map[string][]ports.Message
	maxTurns int
}

func newHistoryBook(maxTurns int) *historyBook {
	if maxTurns <= 0 {
		maxTurns = 12
	}
	return &historyBook{
		turns:    make(map[string][]ports.Message),
		maxTurns: maxTurns,
	}
}

// Get returns a copy of the actor's transcript.
func (h *historyBook) Get(actorID string) []ports.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ports.Message(nil), h.turns[actorID]...)
}

// Append records a user/assistant exchange and trims the transcript to
// the configured window, oldest first.
func (h *historyBook) Append(actorID string, msgs ...ports.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := append(h.turns[actorID], msgs...)
	if excess := len(turns) - h.maxTurns; excess > 0 {
		turns = turns[excess:]
	}
	h.turns[actorID] = turns
}

// Clear drops the actor's transcript.
func (h *historyBook) Clear(actorID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, actorID)
}
