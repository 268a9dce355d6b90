package errorhandling

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindSSRFBlocked, "target resolves to loopback")
	if KindOf(err) != KindSSRFBlocked {
		t.Errorf("expected ssrf_blocked, got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("executing node: %w", err)
	if KindOf(wrapped) != KindSSRFBlocked {
		t.Errorf("expected kind to survive wrapping, got %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain error")) != KindExecutorFailure {
		t.Error("untyped errors should default to executor_failure")
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindExecutorFailure, KindTimeout, KindInfraTransient}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}

	fatal := []Kind{KindValidation, KindNotFound, KindSSRFBlocked, KindConfigMissing, KindCycleDetected}
	for _, k := range fatal {
		if k.Retryable() {
			t.Errorf("expected %s to be fatal", k)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindInfraTransient, cause, "redis pop failed")
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}
