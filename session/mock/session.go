// Package mock provides an in-memory session that behaves like a SQL server
// speaking a simple-query protocol. It backs the pipeline's tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dan-strohschein/sqlpipeline/session"
)

// Separator splits a multi-statement command into statements.
const Separator = "; "

// command is a multi-statement request and the replies still owed for it.
type command struct {
	text      string
	replies   []*session.Result
	arrived   bool
	cancelled bool
}

// MockSession implements session.Session for testing.
type MockSession struct {
	session.FocusGuard

	// Behavior configuration
	startErr      error
	deferred      bool
	broken        bool
	extraReplies  int
	lostReplies   int
	batchFailures []error
	overrides     map[string]*session.Result

	// Call tracking
	startCalls   atomic.Int32
	resultCalls  atomic.Int32
	consumeCalls atomic.Int32
	cancelCalls  atomic.Int32
	execCalls    atomic.Int32

	mu          sync.Mutex
	closed      bool
	current     *command
	sendHistory []string
	execHistory []string
}

var _ session.Session = (*MockSession)(nil)

// NewMockSession creates a new mock session whose replies become readable
// as soon as input is consumed.
func NewMockSession() *MockSession {
	return &MockSession{
		overrides:   make(map[string]*session.Result),
		sendHistory: make([]string, 0),
		execHistory: make([]string, 0),
	}
}

// WithStartError configures StartExec to fail.
func (m *MockSession) WithStartError(err error) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
	return m
}

// WithDeferredReplies keeps replies in transit until a caller waits for
// them in GetResult: IsBusy stays true and ConsumeInput delivers nothing.
func (m *MockSession) WithDeferredReplies() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = true
	return m
}

// WithBrokenConnection makes every I/O call fail.
func (m *MockSession) WithBrokenConnection() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = true
	return m
}

// WithExtraReply makes the next command produce one reply more than it has
// statements, duplicating its last reply.
func (m *MockSession) WithExtraReply() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extraReplies++
	return m
}

// WithLostReplies makes the next command's reply stream end without a
// single reply.
func (m *MockSession) WithLostReplies() *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostReplies++
	return m
}

// WithBatchFailure rejects the next multi-statement command as a whole with
// err, even if each statement would succeed on its own.
func (m *MockSession) WithBatchFailure(err error) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchFailures = append(m.batchFailures, err)
	return m
}

// WithStatement makes the session answer statement with res instead of
// evaluating it.
func (m *MockSession) WithStatement(statement string, res *session.Result) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[statement] = res
	return m
}

// Break simulates losing the connection.
func (m *MockSession) Break() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = true
}

// StartExec implements session.Session
func (m *MockSession) StartExec(ctx context.Context, text string) error {
	m.startCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.current != nil && len(m.current.replies) > 0 {
		return fmt.Errorf("another command is already in progress")
	}

	m.sendHistory = append(m.sendHistory, text)

	statements := strings.Split(text, Separator)
	cmd := &command{text: text, arrived: !m.deferred}

	switch {
	case len(statements) > 1 && len(m.batchFailures) > 0:
		err := m.batchFailures[0]
		m.batchFailures = m.batchFailures[1:]
		cmd.replies = []*session.Result{session.NewErrorResult(text, err)}
	default:
		cmd.replies = m.runLocked(statements)
	}

	if m.extraReplies > 0 && len(cmd.replies) > 0 {
		m.extraReplies--
		last := cmd.replies[len(cmd.replies)-1]
		cmd.replies = append(cmd.replies, last.WithQuery(last.Query))
	}

	if m.lostReplies > 0 {
		m.lostReplies--
		cmd.replies = nil
	}

	m.current = cmd
	return nil
}

// runLocked parses every statement before executing any, then executes them
// in order until one fails.
func (m *MockSession) runLocked(statements []string) []*session.Result {
	plans := make([]*session.Result, len(statements))
	for i, stmt := range statements {
		res, syntaxErr := m.planLocked(stmt)
		if syntaxErr != nil {
			return []*session.Result{session.NewErrorResult(stmt, syntaxErr)}
		}
		plans[i] = res
	}

	replies := make([]*session.Result, 0, len(plans))
	for _, res := range plans {
		replies = append(replies, res)
		if res.Err != nil {
			break
		}
	}
	return replies
}

func (m *MockSession) planLocked(stmt string) (*session.Result, error) {
	if res, ok := m.overrides[stmt]; ok {
		return res.WithQuery(stmt), nil
	}
	return Evaluate(stmt)
}

// GetResult implements session.Session
func (m *MockSession) GetResult(ctx context.Context) (*session.Result, error) {
	m.resultCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.current == nil || len(m.current.replies) == 0 {
		m.current = nil
		return nil, nil
	}

	// Waiting for a reply means it has arrived.
	m.current.arrived = true
	res := m.current.replies[0]
	m.current.replies = m.current.replies[1:]
	return res, nil
}

// IsBusy implements session.Session
func (m *MockSession) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && len(m.current.replies) > 0 && !m.current.arrived
}

// ConsumeInput implements session.Session
func (m *MockSession) ConsumeInput(ctx context.Context) error {
	m.consumeCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.current != nil && !m.deferred {
		m.current.arrived = true
	}
	return nil
}

// CancelQuery implements session.Session. The statement being executed
// fails with a cancellation error and nothing after it runs.
func (m *MockSession) CancelQuery(ctx context.Context) error {
	m.cancelCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.current == nil || m.current.cancelled || len(m.current.replies) == 0 {
		return nil
	}

	m.current.cancelled = true
	m.current.arrived = true
	m.current.replies = []*session.Result{session.NewErrorResult(m.current.replies[0].Query, &session.StatementError{
		Code:     "E_QUERY_CANCELED",
		Type:     "STATEMENT_ERROR",
		Message:  "canceling statement due to user request",
		SQLState: "57014",
	})}
	return nil
}

// Exec implements session.Session
func (m *MockSession) Exec(ctx context.Context, statement string) (*session.Result, error) {
	m.execCalls.Add(1)

	if err := m.CheckFree("exec"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return nil, err
	}
	if m.current != nil && len(m.current.replies) > 0 {
		return nil, fmt.Errorf("another command is already in progress")
	}

	m.execHistory = append(m.execHistory, statement)

	res, syntaxErr := m.planLocked(statement)
	if syntaxErr != nil {
		return session.NewErrorResult(statement, syntaxErr), nil
	}
	return res, nil
}

// Close marks the session closed.
func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed returns whether the session has been closed
func (m *MockSession) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSession) usableLocked() error {
	if m.closed {
		return fmt.Errorf("session is closed")
	}
	if m.broken {
		return fmt.Errorf("mock: %w", session.ErrConnectionBroken)
	}
	return nil
}

// GetStartCallCount returns the number of times StartExec was called
func (m *MockSession) GetStartCallCount() int {
	return int(m.startCalls.Load())
}

// GetResultCallCount returns the number of times GetResult was called
func (m *MockSession) GetResultCallCount() int {
	return int(m.resultCalls.Load())
}

// GetConsumeCallCount returns the number of times ConsumeInput was called
func (m *MockSession) GetConsumeCallCount() int {
	return int(m.consumeCalls.Load())
}

// GetCancelCallCount returns the number of times CancelQuery was called
func (m *MockSession) GetCancelCallCount() int {
	return int(m.cancelCalls.Load())
}

// GetExecCallCount returns the number of times Exec was called
func (m *MockSession) GetExecCallCount() int {
	return int(m.execCalls.Load())
}

// GetSendHistory returns every command sent through StartExec
func (m *MockSession) GetSendHistory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]string, len(m.sendHistory))
	copy(history, m.sendHistory)
	return history
}

// GetExecHistory returns every statement run through Exec
func (m *MockSession) GetExecHistory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]string, len(m.execHistory))
	copy(history, m.execHistory)
	return history
}

// PendingReplies returns the number of replies not yet read.
func (m *MockSession) PendingReplies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return len(m.current.replies)
}
