package session

import (
	"database/sql"
	"fmt"
)

// Result is one reply from the server: the outcome of a single statement.
// Values are kept in text form.
type Result struct {
	// Query is the statement text the result belongs to.
	Query string

	// Columns holds the column names, empty for commands returning no rows.
	Columns []string

	// Rows holds the returned rows in text form.
	Rows [][]sql.NullString

	// CommandTag is the server's completion tag, e.g. "SELECT 1".
	CommandTag string

	// Err is set when the statement failed on the server.
	Err error
}

// NewErrorResult builds the reply for a failed statement.
func NewErrorResult(query string, err error) *Result {
	return &Result{Query: query, Err: err}
}

// WithQuery returns a shallow copy of r attributed to query. A statement
// error carried by r is attributed to query as well.
func (r *Result) WithQuery(query string) *Result {
	cp := *r
	cp.Query = query
	if se, ok := r.Err.(*StatementError); ok && se.Statement != query {
		seCopy := *se
		seCopy.Statement = query
		cp.Err = &seCopy
	}
	return &cp
}

// CheckStatus returns a *StatementError if the statement failed.
func (r *Result) CheckStatus() error {
	if r == nil {
		return &StatementError{
			Code:    "E_NO_RESULT",
			Type:    "STATEMENT_ERROR",
			Message: "statement produced no result",
		}
	}
	if r.Err == nil {
		return nil
	}
	if se, ok := r.Err.(*StatementError); ok {
		if se.Statement == "" {
			cp := *se
			cp.Statement = r.Query
			return &cp
		}
		return se
	}
	return &StatementError{
		Code:      "E_STATEMENT_FAILED",
		Type:      "STATEMENT_ERROR",
		Message:   r.Err.Error(),
		Statement: r.Query,
		Cause:     r.Err,
	}
}

// OK reports whether the statement succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Err == nil
}

// Size returns the number of rows.
func (r *Result) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// At returns the value at the given row and column.
func (r *Result) At(row, col int) (sql.NullString, error) {
	if row < 0 || row >= r.Size() {
		return sql.NullString{}, fmt.Errorf("row %d out of range [0, %d)", row, r.Size())
	}
	if col < 0 || col >= len(r.Rows[row]) {
		return sql.NullString{}, fmt.Errorf("column %d out of range [0, %d)", col, len(r.Rows[row]))
	}
	return r.Rows[row][col], nil
}

// Scalar returns the single value of a one-row, one-column result.
func (r *Result) Scalar() (string, error) {
	if r.Size() != 1 {
		return "", fmt.Errorf("expected 1 row, got %d", r.Size())
	}
	if len(r.Rows[0]) != 1 {
		return "", fmt.Errorf("expected 1 column, got %d", len(r.Rows[0]))
	}
	v := r.Rows[0][0]
	if !v.Valid {
		return "", fmt.Errorf("value is NULL")
	}
	return v.String, nil
}
