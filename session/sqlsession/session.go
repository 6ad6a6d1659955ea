// Package sqlsession runs pipeline commands over database/sql. The driver
// must support multi-statement queries with one result set per statement.
package sqlsession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/sqlpipeline/logging"
	"github.com/dan-strohschein/sqlpipeline/session"
)

// Querier is satisfied by *sql.Conn and *sql.DB. Use a *sql.Conn so every
// command runs on the same server session.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// inflight is a command whose result sets are still being read.
type inflight struct {
	command string
	rows    *sql.Rows
	cancel  context.CancelFunc
	started bool
	// failed is the reply for a command the server rejected before
	// producing any result set.
	failed error
}

// Session adapts a database/sql connection to session.Session.
//
// database/sql has no non-blocking reads, so IsBusy always reports false
// and GetResult blocks until the next result set arrives.
type Session struct {
	session.FocusGuard

	db     Querier
	logger logging.Logger

	mu      sync.Mutex
	current *inflight
	broken  error
}

var _ session.Session = (*Session)(nil)

// New wraps db. A nil logger disables logging.
func New(db Querier, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Session{
		db:     db,
		logger: logger.WithFields(logging.String("session", "sql")),
	}
}

// StartExec implements session.Session.
func (s *Session) StartExec(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return s.broken
	}
	if s.current != nil {
		return errors.New("sqlsession: another command is already in progress")
	}

	// The command outlives this call; CancelQuery stops it.
	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rows, err := s.db.QueryContext(qctx, command)
	if err != nil {
		cancel()
		if isConnectionError(err) {
			return s.breakLocked("start", err)
		}
		s.current = &inflight{command: command, failed: err}
		return nil
	}

	s.current = &inflight{command: command, rows: rows, cancel: cancel}
	return nil
}

// GetResult implements session.Session.
func (s *Session) GetResult(ctx context.Context) (*session.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return nil, s.broken
	}
	cur := s.current
	if cur == nil {
		return nil, nil
	}

	if cur.failed != nil {
		err := cur.failed
		s.finishLocked()
		return session.NewErrorResult(cur.command, session.NewStatementError("", err)), nil
	}

	if cur.started && !cur.rows.NextResultSet() {
		err := cur.rows.Err()
		s.finishLocked()
		if err != nil && isConnectionError(err) {
			return nil, s.breakLocked("result retrieval", err)
		}
		return nil, nil
	}
	cur.started = true

	res, err := readResultSet(cur.command, cur.rows)
	if err != nil {
		if isConnectionError(err) {
			s.finishLocked()
			return nil, s.breakLocked("result retrieval", err)
		}
		// The server stops at a failing statement.
		s.finishLocked()
		return session.NewErrorResult(cur.command, session.NewStatementError("", err)), nil
	}
	return res, nil
}

// IsBusy implements session.Session.
func (s *Session) IsBusy() bool {
	return false
}

// ConsumeInput implements session.Session.
func (s *Session) ConsumeInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// CancelQuery implements session.Session.
func (s *Session) CancelQuery(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return s.broken
	}
	if s.current != nil && s.current.cancel != nil {
		s.logger.Debug("cancelling command")
		s.current.cancel()
	}
	return nil
}

// Exec implements session.Session.
func (s *Session) Exec(ctx context.Context, statement string) (*session.Result, error) {
	if err := s.CheckFree("exec"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return nil, s.broken
	}
	if s.current != nil {
		return nil, errors.New("sqlsession: another command is already in progress")
	}

	rows, err := s.db.QueryContext(ctx, statement)
	if err != nil {
		if isConnectionError(err) {
			return nil, s.breakLocked("exec", err)
		}
		return session.NewErrorResult(statement, session.NewStatementError(statement, err)), nil
	}
	defer rows.Close()

	res, err := readResultSet(statement, rows)
	if err != nil {
		if isConnectionError(err) {
			return nil, s.breakLocked("exec", err)
		}
		return session.NewErrorResult(statement, session.NewStatementError(statement, err)), nil
	}
	return res, nil
}

// Close abandons the command in flight.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.cancel != nil {
		s.current.cancel()
	}
	s.finishLocked()
	return nil
}

func (s *Session) finishLocked() {
	if s.current == nil {
		return
	}
	if s.current.rows != nil {
		s.current.rows.Close()
	}
	if s.current.cancel != nil {
		s.current.cancel()
	}
	s.current = nil
}

func (s *Session) breakLocked(op string, err error) error {
	s.broken = fmt.Errorf("sqlsession: %s: %w: %w", op, session.ErrConnectionBroken, err)
	s.logger.Error("connection broken", logging.String("operation", op), logging.Error("error", err))
	return s.broken
}

// readResultSet reads the current result set of rows.
func readResultSet(query string, rows *sql.Rows) (*session.Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &session.Result{Query: query, Columns: columns}
	for rows.Next() {
		row := make([]sql.NullString, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
