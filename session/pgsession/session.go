// Package pgsession runs pipeline commands on a PostgreSQL connection using
// the simple query protocol of pgconn.
package pgsession

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/dan-strohschein/sqlpipeline/logging"
	"github.com/dan-strohschein/sqlpipeline/session"
)

// Session adapts a *pgconn.PgConn to session.Session.
//
// pgconn reads replies on demand, so IsBusy always reports false and
// GetResult blocks until the next reply arrives. A pipeline therefore never
// sees a partially received batch as "not ready": any opportunistic check
// for results (Insert, Resume) waits until the whole batch in flight has
// been answered. With a retain of 0 every Insert waits for the previous
// statement to finish.
type Session struct {
	session.FocusGuard

	conn   *pgconn.PgConn
	logger logging.Logger

	mu      sync.Mutex
	command string
	mrr     *pgconn.MultiResultReader
	// reported is set once the command's error has been returned as a
	// reply, so that closing the reader does not report it twice.
	reported bool
}

var _ session.Session = (*Session)(nil)

// Connect opens a connection to the server described by dsn.
func Connect(ctx context.Context, dsn string, logger logging.Logger) (*Session, error) {
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	return New(conn, logger), nil
}

// New wraps an established connection. A nil logger disables logging.
func New(conn *pgconn.PgConn, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Session{
		conn: conn,
		logger: logger.WithFields(
			logging.String("session", "pgconn"),
			logging.Uint64("backend_pid", uint64(conn.PID())),
		),
	}
}

// StartExec implements session.Session.
func (s *Session) StartExec(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked("start"); err != nil {
		return err
	}
	if s.mrr != nil {
		return errors.New("pgsession: another command is already in progress")
	}

	// The command outlives this call; CancelQuery stops it.
	s.mrr = s.conn.Exec(context.WithoutCancel(ctx), command)
	s.command = command
	s.reported = false
	return nil
}

// GetResult implements session.Session.
func (s *Session) GetResult(ctx context.Context) (*session.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mrr == nil {
		return nil, s.usableLocked("result retrieval")
	}

	if s.mrr.NextResult() {
		r := s.mrr.ResultReader().Read()
		if r.Err != nil {
			if s.conn.IsClosed() {
				s.mrr = nil
				return nil, s.brokenError("result retrieval", r.Err)
			}
			s.reported = true
			return session.NewErrorResult(s.command, session.NewStatementError("", r.Err)), nil
		}
		return convert(s.command, r), nil
	}

	err := s.mrr.Close()
	s.mrr = nil
	if err == nil {
		return nil, nil
	}
	if s.conn.IsClosed() {
		return nil, s.brokenError("result retrieval", err)
	}
	if s.reported {
		return nil, nil
	}
	// Rejected before any result was produced.
	s.reported = true
	return session.NewErrorResult(s.command, session.NewStatementError("", err)), nil
}

// IsBusy implements session.Session. It always reports false; see Session.
func (s *Session) IsBusy() bool {
	return false
}

// ConsumeInput implements session.Session.
func (s *Session) ConsumeInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked("input")
}

// CancelQuery implements session.Session.
func (s *Session) CancelQuery(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked("cancel"); err != nil {
		return err
	}
	if s.mrr == nil {
		return nil
	}
	s.logger.Debug("sending cancel request")
	if err := s.conn.CancelRequest(ctx); err != nil {
		return errors.Wrap(err, "cancel request")
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

	if err := s.usableLocked("exec"); err != nil {
		return nil, err
	}
	if s.mrr != nil {
		return nil, errors.New("pgsession: another command is already in progress")
	}

	results, err := s.conn.Exec(ctx, statement).ReadAll()
	if err != nil {
		if s.conn.IsClosed() {
			return nil, s.brokenError("exec", err)
		}
		return session.NewErrorResult(statement, session.NewStatementError(statement, err)), nil
	}
	if len(results) == 0 {
		// Empty query.
		return &session.Result{Query: statement}, nil
	}
	return convert(statement, results[0]), nil
}

// Close closes the connection.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mrr = nil
	return s.conn.Close(ctx)
}

func (s *Session) usableLocked(op string) error {
	if s.conn.IsClosed() {
		return s.brokenError(op, errors.New("connection closed"))
	}
	return nil
}

func (s *Session) brokenError(op string, err error) error {
	s.logger.Error("connection broken", logging.String("operation", op), logging.Error("error", err))
	return fmt.Errorf("pgsession: %s: %w: %w", op, session.ErrConnectionBroken, err)
}

// convert copies a pgconn result into text form.
func convert(query string, r *pgconn.Result) *session.Result {
	res := &session.Result{
		Query:      query,
		CommandTag: r.CommandTag.String(),
	}
	if len(r.FieldDescriptions) > 0 {
		res.Columns = make([]string, len(r.FieldDescriptions))
		for i, fd := range r.FieldDescriptions {
			res.Columns[i] = fd.Name
		}
	}
	for _, values := range r.Rows {
		row := make([]sql.NullString, len(values))
		for i, v := range values {
			if v != nil {
				row[i] = sql.NullString{String: string(v), Valid: true}
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res
}
