package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// Service is a durable scheduled-callback runner: "call handler H with
// payload P no earlier than time T", surviving restarts via the Store.
// Guarantees: at most one fire per key is in flight at a time, and a fire
// is fully handled before the next fire for that key is considered.
type Service struct {
	store  Store
	logger logging.Logger

	mu       sync.Mutex
	handlers map[string]ports.TimerHandler
	entries  map[string]Entry
	inFlight map[string]bool
	started  bool

	wake     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ ports.TimerService = (*Service)(nil)

// NewService builds a timer service over the given store.
func NewService(store Store, logger logging.Logger) *Service {
	return &Service{
		store:    store,
		logger:   logging.OrNop(logger),
		handlers: make(map[string]ports.TimerHandler),
		entries:  make(map[string]Entry),
		inFlight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler name to a callback. Must happen before Start so
// persisted entries can be re-bound after a restart.
func (s *Service) Register(handler string, fn ports.TimerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handler] = fn
}

// Schedule persists and arms a one-shot timer for the key, replacing any
// pending timer for the same key.
func (s *Service) Schedule(ctx context.Context, key, handler string, delay time.Duration, payload json.RawMessage) error {
	if delay < 0 {
		delay = 0
	}
	entry := Entry{
		Key:       key,
		Handler:   handler,
		Payload:   payload,
		FireAt:    time.Now().Add(delay),
		CreatedAt: time.Now(),
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.handlers[handler]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("timer: unknown handler %q", handler)
	}
	s.mu.Unlock()

	if err := s.store.Save(ctx, entry); err != nil {
		return fmt.Errorf("timer: persist %s: %w", key, err)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	s.kick()
	return nil
}

// Start loads persisted entries (anything already due fires immediately)
// and begins the firing loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("timer: already started")
	}
	s.started = true
	s.mu.Unlock()

	persisted, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("timer: recover persisted entries: %w", err)
	}
	s.mu.Lock()
	for _, e := range persisted {
		if _, ok := s.handlers[e.Handler]; !ok {
			s.logger.Warn("timer: dropping persisted entry %s with unknown handler %q", e.Key, e.Handler)
			continue
		}
		s.entries[e.Key] = e
	}
	recovered := len(s.entries)
	s.mu.Unlock()
	if recovered > 0 {
		s.logger.Info("timer: recovered %d persisted entr(ies)", recovered)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop halts the loop and waits for in-flight fires to finish.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop sleeps until the earliest pending fire time, then dispatches every
// due entry whose key has no fire in flight.
func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next, ok := s.nextFireAt()
		var timerC <-chan time.Time
		if ok {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			t := time.NewTimer(wait)
			timerC = t.C
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-s.wake:
				t.Stop()
				continue
			case <-timerC:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.fireDue(ctx)
	}
}

func (s *Service) nextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for key, e := range s.entries {
		if s.inFlight[key] {
			continue
		}
		if !found || e.FireAt.Before(next) {
			next = e.FireAt
			found = true
		}
	}
	return next, found
}

func (s *Service) fireDue(ctx context.Context) {
	now := time.Now()
	var due []Entry
	s.mu.Lock()
	for key, e := range s.entries {
		if s.inFlight[key] || e.FireAt.After(now) {
			continue
		}
		s.inFlight[key] = true
		delete(s.entries, key)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		entry := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(ctx, entry)
		}()
	}
}

func (s *Service) fire(ctx context.Context, entry Entry) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, entry.Key)
		s.mu.Unlock()
		// A timer scheduled for this key while we were in flight is
		// now eligible.
		s.kick()
	}()

	// The entry is consumed regardless of handler outcome; callers that
	// need retries reschedule explicitly.
	if err := s.store.Delete(ctx, entry.Key); err != nil {
		s.logger.Warn("timer: delete persisted entry %s: %v", entry.Key, err)
	}

	s.mu.Lock()
	handler := s.handlers[entry.Handler]
	s.mu.Unlock()
	if handler == nil {
		s.logger.Error("timer: no handler %q for entry %s", entry.Handler, entry.Key)
		return
	}
	if err := handler(ctx, entry.Payload); err != nil {
		s.logger.Error("timer: handler %q for %s failed: %v", entry.Handler, entry.Key, err)
	}
}
