// Package session defines the narrow boundary between the query pipeline and
// the database session that carries its statements to the server.
package session

import (
	"context"
)

// Session is the part of a database session the pipeline needs. A session
// runs at most one command at a time; the replies of that command are read
// in the order the server produced them.
type Session interface {
	// StartExec sends a (possibly multi-statement) command without waiting
	// for its replies.
	StartExec(ctx context.Context, command string) error

	// GetResult returns the next reply of the command in flight, waiting for
	// it to arrive if necessary. It returns nil once the command's reply
	// stream is exhausted, or when no command is in flight. A non-nil error
	// means the connection can no longer be trusted.
	GetResult(ctx context.Context) (*Result, error)

	// IsBusy reports whether more input must be read before the next reply
	// can be decoded.
	IsBusy() bool

	// ConsumeInput reads whatever input is available without blocking.
	// An error means the connection is broken.
	ConsumeInput(ctx context.Context) error

	// CancelQuery asks the server to abandon the statement it is executing.
	CancelQuery(ctx context.Context) error

	// Exec runs a single statement synchronously. Statement failures are
	// reported through the returned Result; the error return is reserved
	// for connectivity problems and focus conflicts.
	Exec(ctx context.Context, statement string) (*Result, error)

	// RegisterFocus gives f exclusive use of the session.
	RegisterFocus(f Focus) error

	// UnregisterFocus releases exclusive use held by f.
	UnregisterFocus(f Focus)
}
