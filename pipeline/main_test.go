package pipeline

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dan-strohschein/sqlpipeline/session"
	"github.com/dan-strohschein/sqlpipeline/session/mock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPipeline(t *testing.T, sess *mock.MockSession, retain int) *Pipeline {
	t.Helper()

	opts := DefaultOptions()
	opts.Retain = retain
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	p, err := New(sess, &opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})
	return p
}

func mustInsert(t *testing.T, p *Pipeline, text string) QueryID {
	t.Helper()
	id, err := p.Insert(context.Background(), text)
	require.NoError(t, err)
	requireConsistent(t, p)
	return id
}

func mustRetrieve(t *testing.T, p *Pipeline, id QueryID) string {
	t.Helper()
	got, res, err := p.Retrieve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, got)
	requireConsistent(t, p)

	v, err := res.Scalar()
	require.NoError(t, err)
	return v
}

func requireConsistent(t *testing.T, p *Pipeline) {
	t.Helper()
	require.NoError(t, p.checkInvariants())
}

type otherFocus string

func (f otherFocus) Description() string { return string(f) }

var _ session.Focus = otherFocus("")
