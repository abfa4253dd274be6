package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/c360studio/v2icoord/model"
)

type flakySink struct {
	fail  bool
	calls int
}

func (s *flakySink) Enqueue(string, model.Alert) error {
	s.calls++
	if s.fail {
		return errors.New("unreachable")
	}
	return nil
}

func TestBreakerTracksSuccess(t *testing.T) {
	sink := &flakySink{}
	b := NewBreaker(sink, BreakerConfig{})

	if h := b.Health("CAR-1"); h != nil {
		t.Error("expected no health info before any delivery")
	}
	if err := b.Enqueue("CAR-1", model.Alert{ID: "A1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	h := b.Health("CAR-1")
	if h == nil {
		t.Fatal("expected health info after delivery")
	}
	if !h.Available || h.FailureCount != 0 || h.LastSuccess.IsZero() {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	sink := &flakySink{fail: true}
	b := NewBreaker(sink, BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute}).
		WithClock(func() time.Time { return now })

	// First failure - still available
	_ = b.Enqueue("CAR-1", model.Alert{})
	if !b.Available("CAR-1") {
		t.Error("expected CAR-1 to be available after 1 failure")
	}

	// Second failure - circuit opens
	_ = b.Enqueue("CAR-1", model.Alert{})
	if b.Available("CAR-1") {
		t.Error("expected CAR-1 to be unavailable after circuit opens")
	}

	err := b.Enqueue("CAR-1", model.Alert{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if sink.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", sink.calls)
	}

	// Other vehicles are unaffected
	if !b.Available("CAR-2") {
		t.Error("expected CAR-2 to be available")
	}

	// Half-open after the timeout; a failed attempt reopens
	now = now.Add(time.Minute)
	if !b.Available("CAR-1") {
		t.Error("expected half-open after recovery timeout")
	}
	_ = b.Enqueue("CAR-1", model.Alert{})
	if b.Available("CAR-1") {
		t.Error("expected circuit to reopen after failed attempt")
	}

	// A successful attempt closes it
	now = now.Add(time.Minute)
	sink.fail = false
	if err := b.Enqueue("CAR-1", model.Alert{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h := b.Health("CAR-1")
	if h.CircuitOpen || h.FailureCount != 0 || !h.Available {
		t.Errorf("expected closed circuit, got %+v", h)
	}
}

func TestBreakerReset(t *testing.T) {
	sink := &flakySink{fail: true}
	b := NewBreaker(sink, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	_ = b.Enqueue("CAR-1", model.Alert{})
	if b.Available("CAR-1") {
		t.Fatal("expected open circuit")
	}
	b.Reset("CAR-1")
	if !b.Available("CAR-1") {
		t.Error("expected available after reset")
	}
	if b.Health("CAR-1") != nil {
		t.Error("expected no health info after reset")
	}
}

func TestBreakerOverMemoryMailbox(t *testing.T) {
	mem := NewMemory(1)
	b := NewBreaker(mem, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	if err := b.Enqueue("CAR-1", model.Alert{ID: "A1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := b.Enqueue("CAR-1", model.Alert{ID: "A2"}); !errors.Is(err, ErrMailboxFull) {
		t.Errorf("expected ErrMailboxFull, got %v", err)
	}
	if err := b.Enqueue("CAR-1", model.Alert{ID: "A3"}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if got := mem.Rejected(); got != 1 {
		t.Errorf("expected 1 rejected, got %d", got)
	}
}
