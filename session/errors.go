package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConnectionBroken is wrapped by session implementations when the
// connection to the server is lost.
var ErrConnectionBroken = errors.New("connection to server is broken")

// StatementError is a database-level failure of a single statement.
type StatementError struct {
	Code      string                 `json:"code"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Statement string                 `json:"statement,omitempty"`
	SQLState  string                 `json:"sqlstate,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *StatementError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *StatementError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.SQLState != "" {
			return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Code, e.Message, e.SQLState)
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}
	if e.Statement != "" {
		errorData["statement"] = e.Statement
	}
	if e.SQLState != "" {
		errorData["sqlstate"] = e.SQLState
	}
	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}
	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *StatementError) Unwrap() error {
	return e.Cause
}

// NewStatementError converts a server error into a StatementError for
// statement. PostgreSQL errors keep their SQLSTATE and diagnostics.
func NewStatementError(statement string, err error) *StatementError {
	var se *StatementError
	if errors.As(err, &se) {
		return se
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		details := map[string]interface{}{
			"severity": pgErr.Severity,
		}
		if pgErr.Detail != "" {
			details["detail"] = pgErr.Detail
		}
		if pgErr.Hint != "" {
			details["hint"] = pgErr.Hint
		}
		if pgErr.Position != 0 {
			details["position"] = pgErr.Position
		}
		return &StatementError{
			Code:      "E_SERVER_ERROR",
			Type:      "STATEMENT_ERROR",
			Message:   pgErr.Message,
			Statement: statement,
			SQLState:  pgErr.Code,
			Details:   details,
			Cause:     err,
		}
	}

	return &StatementError{
		Code:      "E_STATEMENT_FAILED",
		Type:      "STATEMENT_ERROR",
		Message:   err.Error(),
		Statement: statement,
		Cause:     err,
	}
}

// FocusError reports an attempt to use a session held by another focus.
type FocusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Holder  string `json:"holder"`
}

// Error implements the error interface.
func (e *FocusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
