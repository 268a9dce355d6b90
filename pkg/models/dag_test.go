package models

import (
	"testing"
	"time"
)

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{StateSuccess, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []State{StateQueued, StateRunning, StateScheduled, StateRetrying}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestScheduleWindowPermits(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	before := now.Add(-24 * time.Hour)
	after := now.Add(24 * time.Hour)

	s := Schedule{Type: ScheduleCron, Cron: "0 * * * *", Enabled: true}
	if !s.WindowPermits(now) {
		t.Error("schedule without a window should always permit")
	}

	s.StartDate = &after
	if s.WindowPermits(now) {
		t.Error("schedule should not permit before its start date")
	}

	s.StartDate = &before
	s.EndDate = &after
	if !s.WindowPermits(now) {
		t.Error("schedule should permit inside its window")
	}

	s.EndDate = &before
	if s.WindowPermits(now) {
		t.Error("schedule should not permit after its end date")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", p.MaxAttempts)
	}
	if p.Backoff() != 2*time.Second {
		t.Errorf("expected 2s backoff, got %v", p.Backoff())
	}
}
