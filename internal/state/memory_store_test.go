package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"convoy/internal/batch"
)

func TestMemoryStoreUpdateCommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Update(ctx, "a1", func(st *batch.ActorState) error {
		st.Pending = &batch.State{
			Status:   batch.StatusCollecting,
			BatchID:  "b1",
			Messages: []batch.PendingMessage{{Text: "hi", RequestID: "r1"}},
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	st, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Pending == nil || st.Pending.BatchID != "b1" {
		t.Fatalf("state not committed: %+v", st)
	}
}

func TestMemoryStoreUpdateDiscardsOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wantErr := errors.New("no")
	err := s.Update(ctx, "a1", func(st *batch.ActorState) error {
		st.Pending = &batch.State{BatchID: "should-not-commit"}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update error = %v", err)
	}

	st, _ := s.Get(ctx, "a1")
	if st.Pending != nil && st.Pending.BatchID == "should-not-commit" {
		t.Fatal("failed update must not commit")
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Update(ctx, "a1", func(st *batch.ActorState) error {
		st.Pending = &batch.State{Messages: []batch.PendingMessage{{Text: "orig", RequestID: "r1"}}}
		return nil
	})

	got, _ := s.Get(ctx, "a1")
	got.Pending.Messages[0].Text = "mutated"

	again, _ := s.Get(ctx, "a1")
	if again.Pending.Messages[0].Text != "orig" {
		t.Fatal("Get must return an isolated copy")
	}
}

func TestMemoryStoreConcurrentUpdatesSerialize(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "a1", func(st *batch.ActorState) error {
				if st.Pending == nil {
					st.Pending = batch.NewIdleState()
				}
				st.Pending.Messages = append(st.Pending.Messages, batch.PendingMessage{Text: "m"})
				return nil
			})
		}()
	}
	wg.Wait()

	st, _ := s.Get(ctx, "a1")
	if got := len(st.Pending.Messages); got != 50 {
		t.Fatalf("lost updates: have %d messages, want 50", got)
	}
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Update(ctx, "a1", func(*batch.ActorState) error { return nil })
	_ = s.Update(ctx, "a2", func(*batch.ActorState) error { return nil })

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List = %v", ids)
	}
}
