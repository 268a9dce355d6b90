package state

import (
	"errors"
	"fmt"

	"github.com/canopyflow/canopy/pkg/models"
)

var (
	// ErrInvalidTransition is returned when an invalid state transition is attempted
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOptimisticLock is returned when a compare-and-set update loses the race
	ErrOptimisticLock = errors.New("optimistic lock failed - entity was modified")
)

// RunMachine validates run status transitions.
type RunMachine struct {
	validTransitions map[models.State][]models.State
}

// NewRunMachine creates the state machine for runs.
func NewRunMachine() *RunMachine {
	return &RunMachine{
		validTransitions: map[models.State][]models.State{
			models.StateQueued: {
				models.StateRunning,
				models.StateFailed, // empty graph, auto-fail
				models.StateCancelled,
			},
			models.StateRunning: {
				models.StateSuccess,
				models.StateFailed,
				models.StateCancelled,
			},
			// Terminal states don't transition
			models.StateSuccess:   {},
			models.StateFailed:    {},
			models.StateCancelled: {},
		},
	}
}

// CanTransition checks if a run status transition is valid.
func (m *RunMachine) CanTransition(from, to models.State) bool {
	// Same-state transitions are idempotent
	if from == to {
		return true
	}

	validStates, exists := m.validTransitions[from]
	if !exists {
		return false
	}
	for _, s := range validStates {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error for invalid transitions.
func (m *RunMachine) ValidateTransition(from, to models.State) error {
	if !m.CanTransition(from, to) {
		return fmt.Errorf("%w: cannot transition run from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TaskMachine validates task record status transitions. A record covers a
// single attempt; a retry appends a new record rather than reviving this
// one.
type TaskMachine struct {
	validTransitions map[models.State][]models.State
}

// NewTaskMachine creates the state machine for task records.
func NewTaskMachine() *TaskMachine {
	return &TaskMachine{
		validTransitions: map[models.State][]models.State{
			models.StateRunning: {
				models.StateSuccess,
				models.StateFailed,
				models.StateRetrying,
				models.StateScheduled,
			},
			models.StateScheduled: {
				// The deferred email handler resolves the record when it fires;
				// cancellation and auto-fail force it to failed.
				models.StateSuccess,
				models.StateFailed,
			},
			models.StateRetrying: {
				// Cancellation/auto-fail may close out a retrying record.
				models.StateFailed,
			},
			models.StateSuccess: {},
			models.StateFailed:  {},
		},
	}
}

// CanTransition checks if a task record status transition is valid.
func (m *TaskMachine) CanTransition(from, to models.State) bool {
	if from == to {
		return true
	}

	validStates, exists := m.validTransitions[from]
	if !exists {
		return false
	}
	for _, s := range validStates {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error for invalid transitions.
func (m *TaskMachine) ValidateTransition(from, to models.State) error {
	if !m.CanTransition(from, to) {
		return fmt.Errorf("%w: cannot transition task from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}
