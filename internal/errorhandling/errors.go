package errorhandling

import (
	"errors"
	"fmt"
)

// Kind classifies a failure and drives its disposition: retried, failed
// terminally, or rejected at the boundary.
type Kind string

const (
	// KindValidation covers DAG writes and message parse failures.
	// Rejected at the boundary; never retried.
	KindValidation Kind = "validation"

	// KindNotFound covers missing DAGs or runs. The task fails terminally
	// and the message is dead-lettered.
	KindNotFound Kind = "not_found"

	// KindUnauthorized covers triggers without a valid token and
	// cross-user access. Rejected at the API boundary.
	KindUnauthorized Kind = "unauthorized"

	// KindExecutorFailure covers non-2xx HTTP responses, SMTP rejects,
	// non-zero script exits. Retried up to the policy's max attempts.
	KindExecutorFailure Kind = "executor_failure"

	// KindTimeout covers executors exceeding their deadline. Retried like
	// executor failures.
	KindTimeout Kind = "timeout"

	// KindSSRFBlocked covers HTTP targets resolving to blocked ranges.
	// Fatal for the task; no retry.
	KindSSRFBlocked Kind = "ssrf_blocked"

	// KindCycleDetected covers DAG writes violating acyclicity.
	KindCycleDetected Kind = "cycle_detected"

	// KindInfraTransient covers queue/store I/O failures. The operation is
	// retried in place with a short backoff.
	KindInfraTransient Kind = "infra_transient"

	// KindConfigMissing covers absent SMTP passwords, unknown script
	// languages and the like. Fatal for the task; no retry.
	KindConfigMissing Kind = "config_missing"
)

// TaskError is a typed failure returned by executors and boundary checks.
// The worker, not the executor, decides retry vs dead-letter from the Kind.
type TaskError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// New creates a TaskError with the given kind.
func New(kind Kind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a TaskError wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Untyped errors are treated
// as executor failures so they stay on the retry path.
func KindOf(err error) Kind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindExecutorFailure
}

// Retryable reports whether a failure of this kind may be re-attempted
// under the task's retry policy.
func (k Kind) Retryable() bool {
	switch k {
	case KindExecutorFailure, KindTimeout, KindInfraTransient:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error's kind is on the retry path.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
