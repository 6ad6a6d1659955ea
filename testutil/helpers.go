// Package testutil holds helpers for tests that run against a live
// PostgreSQL server.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dan-strohschein/sqlpipeline/logging"
	"github.com/dan-strohschein/sqlpipeline/session/pgsession"
)

// DSNEnv names the environment variable holding the test server's
// connection string.
const DSNEnv = "PQPIPE_TEST_DSN"

var tableCounter uint64

// NewTestSession connects to the server named by PQPIPE_TEST_DSN and closes
// the session when the test ends. The test is skipped when the variable is
// not set.
//
// Example:
//
//	export PQPIPE_TEST_DSN="postgres://postgres@localhost:5432/postgres"
//	sess := testutil.NewTestSession(t)
func NewTestSession(t testing.TB) *pgsession.Session {
	t.Helper()

	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skip(DSNEnv + " not set, skipping integration test")
	}

	logger := logging.NewNopLogger()
	if testing.Verbose() {
		logger = logging.NewLogger("debug", os.Stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := pgsession.Connect(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		if err := sess.Close(context.Background()); err != nil {
			t.Logf("warning: failed to close session: %v", err)
		}
	})
	return sess
}

// TableName generates a unique table name for testing.
// Format: <prefix>_<timestamp>_<counter>
func TableName(prefix string) string {
	if prefix == "" {
		prefix = "test"
	}
	n := atomic.AddUint64(&tableCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().Unix(), n)
}

// WithTimeout creates a context with timeout for tests.
// Default timeout is 10 seconds.
func WithTimeout(t testing.TB, timeout ...time.Duration) context.Context {
	t.Helper()

	duration := 10 * time.Second
	if len(timeout) > 0 {
		duration = timeout[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	t.Cleanup(cancel)
	return ctx
}

// Statements returns n statements built from format, which receives the
// statement's 1-based index.
func Statements(format string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(format, i+1)
	}
	return out
}
