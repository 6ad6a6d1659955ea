package session

import (
	"fmt"
	"sync"
)

// Focus is something that needs exclusive use of a session while it is
// active, such as a pipeline.
type Focus interface {
	// Description names the focus in error messages.
	Description() string
}

// FocusGuard is the single-owner lock a session uses to hand out exclusive
// use. Session implementations embed it.
type FocusGuard struct {
	mu      sync.Mutex
	current Focus
}

// RegisterFocus claims the session for f. Registering the current focus
// again is a no-op.
func (g *FocusGuard) RegisterFocus(f Focus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil || g.current == f {
		g.current = f
		return nil
	}

	return &FocusError{
		Code:    "E_FOCUS_CONFLICT",
		Message: fmt.Sprintf("cannot register %s: session is in use by %s", f.Description(), g.current.Description()),
		Holder:  g.current.Description(),
	}
}

// UnregisterFocus releases the session if f holds it.
func (g *FocusGuard) UnregisterFocus(f Focus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == f {
		g.current = nil
	}
}

// CurrentFocus returns the focus holding the session, or nil.
func (g *FocusGuard) CurrentFocus() Focus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// CheckFree returns an error if some focus currently holds the session.
// Sessions call it before running statements directly.
func (g *FocusGuard) CheckFree(operation string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		return nil
	}
	return &FocusError{
		Code:    "E_SESSION_IN_USE",
		Message: fmt.Sprintf("cannot %s: session is in use by %s", operation, g.current.Description()),
		Holder:  g.current.Description(),
	}
}
