package pgsession_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/sqlpipeline/pipeline"
	"github.com/dan-strohschein/sqlpipeline/session"
	"github.com/dan-strohschein/sqlpipeline/testutil"
)

func newPipeline(t *testing.T, sess session.Session, retain int) *pipeline.Pipeline {
	t.Helper()

	opts := pipeline.DefaultOptions()
	opts.Retain = retain
	p, err := pipeline.New(sess, &opts)
	require.NoError(t, err)
	return p
}

func TestIntegration_Pipeline(t *testing.T) {
	s := testutil.NewTestSession(t)
	ctx := testutil.WithTimeout(t)

	p := newPipeline(t, s, 10)
	defer p.Close(ctx)

	a, err := p.Insert(ctx, "SELECT 10")
	require.NoError(t, err)
	b, err := p.Insert(ctx, "SELECT 'b'::text")
	require.NoError(t, err)
	c, err := p.Insert(ctx, "SELECT NULL::int")
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx))

	_, r, err := p.Retrieve(ctx, a)
	require.NoError(t, err)
	v, err := r.Scalar()
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	_, r, err = p.Retrieve(ctx, b)
	require.NoError(t, err)
	v, err = r.Scalar()
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, r, err = p.Retrieve(ctx, c)
	require.NoError(t, err)
	nv, err := r.At(0, 0)
	require.NoError(t, err)
	assert.False(t, nv.Valid)
}

func TestIntegration_FailureInBatch(t *testing.T) {
	s := testutil.NewTestSession(t)
	ctx := testutil.WithTimeout(t)

	p := newPipeline(t, s, 10)
	defer p.Close(ctx)

	ok, err := p.Insert(ctx, "SELECT 1")
	require.NoError(t, err)
	bad, err := p.Insert(ctx, "SELECT 1/0")
	require.NoError(t, err)
	after, err := p.Insert(ctx, "SELECT 3")
	require.NoError(t, err)

	_, _, err = p.Retrieve(ctx, ok)
	require.NoError(t, err)

	_, _, err = p.Retrieve(ctx, bad)
	var se *session.StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "22012", se.SQLState)

	_, _, err = p.Retrieve(ctx, after)
	assert.ErrorIs(t, err, pipeline.ErrEarlierQueryFailed)
}

func TestIntegration_SyntaxErrorReplay(t *testing.T) {
	s := testutil.NewTestSession(t)
	ctx := testutil.WithTimeout(t)

	p := newPipeline(t, s, 10)
	defer p.Close(ctx)

	ok, err := p.Insert(ctx, "SELECT 1")
	require.NoError(t, err)
	bad, err := p.Insert(ctx, "SELEC 2")
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx))

	_, _, err = p.Retrieve(ctx, ok)
	require.NoError(t, err)

	_, _, err = p.Retrieve(ctx, bad)
	var se *session.StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "42601", se.SQLState)
}

func TestIntegration_TableRoundTrip(t *testing.T) {
	s := testutil.NewTestSession(t)
	ctx := testutil.WithTimeout(t)
	table := testutil.TableName("pqpipe_items")

	p := newPipeline(t, s, 100)
	defer p.Close(ctx)

	// Temporary tables vanish with the session.
	_, err := p.Insert(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (n int)", table))
	require.NoError(t, err)
	for _, stmt := range testutil.Statements("INSERT INTO "+table+" VALUES (%d)", 20) {
		_, err := p.Insert(ctx, stmt)
		require.NoError(t, err)
	}
	count, err := p.Insert(ctx, "SELECT count(*), sum(n) FROM "+table)
	require.NoError(t, err)

	_, r, err := p.Retrieve(ctx, count)
	require.NoError(t, err)
	n, err := r.At(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "20", n.String)
	sum, err := r.At(0, 1)
	require.NoError(t, err)
	assert.Equal(t, "210", sum.String)
	assert.False(t, p.Empty(), "earlier statements wait to be retrieved")
}
