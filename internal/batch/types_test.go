package batch

import (
	"testing"
	"time"
)

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusCollecting, StatusProcessing, StatusCompleted, StatusFailed, StatusDelegated} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("bogus").IsValid() {
		t.Error("bogus status should be invalid")
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	orig := &State{
		Status:   StatusCollecting,
		BatchID:  "b1",
		Messages: []PendingMessage{{Text: "one", RequestID: "r1"}},
		RetryErrors: []RetryError{
			{Timestamp: time.Now(), Message: "err"},
		},
	}
	clone := orig.Clone()
	clone.Messages[0].Text = "mutated"
	clone.RetryErrors[0].Message = "mutated"

	if orig.Messages[0].Text != "one" {
		t.Fatal("clone shares message backing array")
	}
	if orig.RetryErrors[0].Message != "err" {
		t.Fatal("clone shares retry error backing array")
	}
}

func TestContainsRequest(t *testing.T) {
	st := &State{Messages: []PendingMessage{{RequestID: "r1"}, {RequestID: "r2"}}}
	if !st.ContainsRequest("r2") {
		t.Fatal("r2 is present")
	}
	if st.ContainsRequest("r3") {
		t.Fatal("r3 is absent")
	}
	var nilState *State
	if nilState.ContainsRequest("r1") {
		t.Fatal("nil state contains nothing")
	}
}

func TestCombinedTextJoinsInOrder(t *testing.T) {
	st := &State{Messages: []PendingMessage{{Text: "a"}, {Text: "b"}, {Text: "c"}}}
	if got := st.CombinedText(); got != "a\nb\nc" {
		t.Fatalf("CombinedText = %q", got)
	}
}
