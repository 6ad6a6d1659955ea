package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// LifecycleState describes the pipeline's hold on its session.
type LifecycleState int

const (
	// Detached means the pipeline holds no claim on the session.
	Detached LifecycleState = iota
	// Attached means the pipeline has exclusive use of the session.
	Attached
	// ReplayingDetached means the pipeline released the session so a failed
	// batch can be replayed one statement at a time.
	ReplayingDetached
	// Broken means a fatal error occurred; the pipeline must not be reused.
	Broken
)

// String returns the string representation of the lifecycle state.
func (s LifecycleState) String() string {
	switch s {
	case Detached:
		return "DETACHED"
	case Attached:
		return "ATTACHED"
	case ReplayingDetached:
		return "REPLAYING_DETACHED"
	case Broken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// StateTransition represents a change in lifecycle state.
//
// Standard Metadata Keys:
//   - reason: string - "insert" | "replay" | "complete" | "flush" | "cancel" | "retrieve" | "fatal"
//   - batch_size: int - Statements in the batch being replayed
type StateTransition struct {
	From      LifecycleState
	To        LifecycleState
	Timestamp time.Time
	Error     error
	Duration  time.Duration
	Metadata  map[string]interface{}
}

// StateChangeHandler is called when the lifecycle state changes.
type StateChangeHandler func(transition StateTransition)

// stateManager tracks lifecycle transitions and notifies handlers.
type stateManager struct {
	current        LifecycleState
	lastTransition time.Time
	handlers       []StateChangeHandler
	mu             sync.RWMutex
}

func newStateManager() *stateManager {
	return &stateManager{
		current:        Detached,
		lastTransition: time.Now(),
	}
}

// transitionTo moves to newState. Returns an error if the transition is
// illegal.
//
// Legal transitions:
//   - DETACHED → ATTACHED
//   - ATTACHED → DETACHED
//   - ATTACHED → REPLAYING_DETACHED
//   - REPLAYING_DETACHED → ATTACHED
//   - any state other than BROKEN → BROKEN
//
// BROKEN is terminal.
func (sm *stateManager) transitionTo(newState LifecycleState, err error, metadata map[string]interface{}) error {
	sm.mu.Lock()

	if !isLegalTransition(sm.current, newState) {
		from := sm.current
		sm.mu.Unlock()
		return fmt.Errorf("illegal lifecycle transition: %s → %s", from, newState)
	}

	now := time.Now()
	transition := StateTransition{
		From:      sm.current,
		To:        newState,
		Timestamp: now,
		Error:     err,
		Duration:  now.Sub(sm.lastTransition),
		Metadata:  metadata,
	}

	sm.current = newState
	sm.lastTransition = now

	handlers := make([]StateChangeHandler, len(sm.handlers))
	copy(handlers, sm.handlers)
	sm.mu.Unlock()

	for _, handler := range handlers {
		handler(transition)
	}
	return nil
}

func isLegalTransition(from, to LifecycleState) bool {
	switch from {
	case Detached:
		return to == Attached || to == Broken
	case Attached:
		return to == Detached || to == ReplayingDetached || to == Broken
	case ReplayingDetached:
		return to == Attached || to == Broken
	default:
		return false
	}
}

func (sm *stateManager) onStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

func (sm *stateManager) state() LifecycleState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}
