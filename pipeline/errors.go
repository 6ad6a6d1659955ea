package pipeline

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"
)

// Sentinels for errors.Is. Errors match on Code.
var (
	ErrUnknownQuery       = &UsageError{Code: "E_UNKNOWN_QUERY"}
	ErrEmptyPipeline      = &UsageError{Code: "E_EMPTY_PIPELINE"}
	ErrNegativeRetain     = &UsageError{Code: "E_NEGATIVE_RETAIN"}
	ErrIDOverflow         = &UsageError{Code: "E_ID_OVERFLOW"}
	ErrPipelineBroken     = &UsageError{Code: "E_PIPELINE_BROKEN"}
	ErrEarlierQueryFailed = &QueryError{Code: "E_EARLIER_QUERY_FAILED"}
	ErrBrokenConnection   = &ConnectionError{Code: "E_BROKEN_CONNECTION"}
	ErrDuplicateResult    = &InternalError{Code: "E_DUPLICATE_RESULT"}
	ErrExcessResult       = &InternalError{Code: "E_EXCESS_RESULT"}
	ErrSentinelMissing    = &InternalError{Code: "E_SENTINEL_MISSING"}
	ErrSentinelRows       = &InternalError{Code: "E_SENTINEL_ROWS"}
	ErrSentinelValue      = &InternalError{Code: "E_SENTINEL_VALUE"}
	ErrFocusLost          = &InternalError{Code: "E_FOCUS_LOST"}
)

// UsageError reports a call that violates a precondition. It leaves the
// pipeline state untouched.
type UsageError struct {
	Code    string                 `json:"code"`
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
	Cause   error                  `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *UsageError) FormatError(debugMode bool) string {
	return formatError(debugMode, e.Code, e.Type, e.Message, e.Details, e.Cause, nil, time.Time{})
}

// Unwrap returns the underlying cause error.
func (e *UsageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a UsageError with the same code.
func (e *UsageError) Is(target error) bool {
	t, ok := target.(*UsageError)
	return ok && t.Code == e.Code
}

// QueryError reports a query that cannot complete because an earlier query
// in the pipeline failed.
type QueryError struct {
	Code      string                 `json:"code"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
	QueryID   QueryID                `json:"query_id"`
	Query     string                 `json:"query,omitempty"`
	Threshold QueryID                `json:"threshold"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *QueryError) FormatError(debugMode bool) string {
	details := map[string]interface{}{
		"query_id":  e.QueryID,
		"threshold": e.Threshold,
	}
	if e.Query != "" {
		details["query"] = e.Query
	}
	for k, v := range e.Details {
		details[k] = v
	}
	return formatError(debugMode, e.Code, e.Type, e.Message, details, nil, nil, e.Timestamp)
}

// Is reports whether target is a QueryError with the same code.
func (e *QueryError) Is(target error) bool {
	t, ok := target.(*QueryError)
	return ok && t.Code == e.Code
}

// ConnectionError reports a broken connection to the server. The pipeline
// cannot be used after one.
type ConnectionError struct {
	Code      string                 `json:"code"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
	Cause     error                  `json:"cause,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *ConnectionError) FormatError(debugMode bool) string {
	return formatError(debugMode, e.Code, e.Type, e.Message, e.Details, e.Cause, nil, e.Timestamp)
}

// Unwrap returns the underlying cause error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConnectionError with the same code.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.Code == e.Code
}

// InternalError reports a broken protocol or bookkeeping invariant. It
// poisons every query in the pipeline.
type InternalError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *InternalError) FormatError(debugMode bool) string {
	return formatError(debugMode, e.Code, e.Type, e.Message, e.Details, nil, e.StackTrace, e.Timestamp)
}

// Is reports whether target is an InternalError with the same code.
func (e *InternalError) Is(target error) bool {
	t, ok := target.(*InternalError)
	return ok && t.Code == e.Code
}

func errUnknownQuery(id QueryID) error {
	return &UsageError{
		Code:    ErrUnknownQuery.Code,
		Type:    "USAGE_ERROR",
		Message: fmt.Sprintf("no query with id %d in pipeline", id),
		Details: map[string]interface{}{"query_id": id},
	}
}

func errEmptyPipeline() error {
	return &UsageError{
		Code:    ErrEmptyPipeline.Code,
		Type:    "USAGE_ERROR",
		Message: "attempt to retrieve result from empty pipeline",
	}
}

func errNegativeRetain(n int) error {
	return &UsageError{
		Code:    ErrNegativeRetain.Code,
		Type:    "USAGE_ERROR",
		Message: fmt.Sprintf("attempt to make pipeline retain %d queries", n),
		Details: map[string]interface{}{"retain": n},
	}
}

func errIDOverflow() error {
	return &UsageError{
		Code:    ErrIDOverflow.Code,
		Type:    "USAGE_ERROR",
		Message: "too many queries went through pipeline",
	}
}

func errPipelineBroken(cause error) error {
	return &UsageError{
		Code:    ErrPipelineBroken.Code,
		Type:    "USAGE_ERROR",
		Message: "pipeline cannot be used after a fatal error",
		Cause:   cause,
	}
}

func errEarlierQueryFailed(q *query, threshold QueryID) error {
	return &QueryError{
		Code:      ErrEarlierQueryFailed.Code,
		Type:      "QUERY_ERROR",
		Message:   "could not complete query in pipeline due to error in earlier query",
		QueryID:   q.id,
		Query:     q.text,
		Threshold: threshold,
		Timestamp: time.Now(),
	}
}

func errBrokenConnection(operation string, cause error) error {
	return &ConnectionError{
		Code:      ErrBrokenConnection.Code,
		Type:      "CONNECTION_ERROR",
		Message:   fmt.Sprintf("connection broken during %s", operation),
		Details:   map[string]interface{}{"operation": operation},
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func newInternalError(code, message string, details map[string]interface{}) *InternalError {
	return &InternalError{
		Code:       code,
		Type:       "INTERNAL_ERROR",
		Message:    message,
		Details:    details,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

func formatError(debugMode bool, code, typ, message string, details map[string]interface{}, cause error, stack []string, ts time.Time) string {
	if !debugMode {
		if cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", code, message, cause.Error())
		}
		return fmt.Sprintf("%s: %s", code, message)
	}

	errorData := map[string]interface{}{
		"code":    code,
		"type":    typ,
		"message": message,
	}
	if len(details) > 0 {
		errorData["details"] = details
	}
	if cause != nil {
		errorData["cause"] = map[string]interface{}{"message": cause.Error()}
	}
	if len(stack) > 0 {
		errorData["stack_trace"] = stack
	}
	if !ts.IsZero() {
		errorData["timestamp"] = ts.Format(time.RFC3339Nano)
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs) // Skip captureStackTrace, the error constructor, and runtime.Callers

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}

	return frames
}

// FormatError is a helper to format any error with debug mode support.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	if formatter, ok := err.(debugFormatter); ok {
		return formatter.FormatError(debugMode)
	}
	return err.Error()
}
