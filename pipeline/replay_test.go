package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/sqlpipeline/session"
	"github.com/dan-strohschein/sqlpipeline/session/mock"
)

// A syntax error makes the server reject the whole batch, so the sentinel
// itself reports the failure and the batch is replayed.
func TestReplay_LocatesFailingStatement(t *testing.T) {
	ctx := context.Background()
	m := mock.NewMockSession()
	p := newTestPipeline(t, m, 4)

	a := mustInsert(t, p, "SELECT 10")
	b := mustInsert(t, p, "SELECT 20")
	bad := mustInsert(t, p, "bogus statement")
	d := mustInsert(t, p, "SELECT 40")

	require.NoError(t, p.Complete(ctx))
	requireConsistent(t, p)

	assert.Equal(t, []string{"SELECT 1; SELECT 10; SELECT 20; bogus statement; SELECT 40"}, m.GetSendHistory())
	assert.Equal(t, []string{"SELECT 10", "SELECT 20", "bogus statement"}, m.GetExecHistory())
	assert.Equal(t, d, p.errorAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.replays))

	assert.Equal(t, "10", mustRetrieve(t, p, a))
	assert.Equal(t, "20", mustRetrieve(t, p, b))

	_, res, err := p.Retrieve(ctx, bad)
	var se *session.StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "42601", se.SQLState)
	assert.Equal(t, "bogus statement", res.Query)

	_, _, err = p.Retrieve(ctx, d)
	assert.ErrorIs(t, err, ErrEarlierQueryFailed)
}

// Replaying produces the same results as running the statements one by
// one.
func TestReplay_MatchesIndividualExecution(t *testing.T) {
	statements := []string{"SELECT 1, 2", "SELECT 'x'", "SELECT NULL", "SELECT missing", "SELECT 5"}

	individual := make([]*session.Result, 0, len(statements))
	for _, stmt := range statements {
		res, err := mock.Evaluate(stmt)
		require.NoError(t, err)
		individual = append(individual, res)
		if !res.OK() {
			break
		}
	}

	ctx := context.Background()
	m := mock.NewMockSession().WithBatchFailure(errors.New("batch rejected"))
	p := newTestPipeline(t, m, len(statements))

	ids := make([]QueryID, 0, len(statements))
	for _, stmt := range statements {
		ids = append(ids, mustInsert(t, p, stmt))
	}
	require.NoError(t, p.Complete(ctx))

	for i, id := range ids {
		_, res, err := p.Retrieve(ctx, id)
		if i >= len(individual) {
			assert.ErrorIs(t, err, ErrEarlierQueryFailed)
			continue
		}
		assert.Equal(t, individual[i].Rows, res.Rows, "statement %d", i)
		assert.Equal(t, individual[i].OK(), err == nil, "statement %d", i)
	}
}

func TestReplay_AllStatementsSucceed(t *testing.T) {
	ctx := context.Background()
	m := mock.NewMockSession().WithBatchFailure(errors.New("out of shared memory"))
	p := newTestPipeline(t, m, 3)

	ids := []QueryID{
		mustInsert(t, p, "SELECT 1"),
		mustInsert(t, p, "SELECT 2"),
		mustInsert(t, p, "SELECT 3"),
	}
	require.NoError(t, p.Complete(ctx))
	requireConsistent(t, p)

	assert.Equal(t, endID, p.errorAt)
	assert.Equal(t, p.first, p.second)
	assert.Len(t, m.GetExecHistory(), 3)

	for i, id := range ids {
		v := mustRetrieve(t, p, id)
		assert.Equal(t, []string{"1", "2", "3"}[i], v)
	}
}

// Statements inserted after the rejected batch was sent are not part of
// the replay; they go out as a new batch.
func TestReplay_StopsAtBatchBoundary(t *testing.T) {
	m := mock.NewMockSession().WithBatchFailure(errors.New("batch rejected"))
	p := newTestPipeline(t, m, 2)

	a := mustInsert(t, p, "SELECT 'a'")
	mustInsert(t, p, "SELECT 'b'")
	mustInsert(t, p, "SELECT 'c'")
	require.Len(t, m.GetSendHistory(), 1)

	d := mustInsert(t, p, "SELECT 'd'")

	assert.Equal(t, "a", mustRetrieve(t, p, a))
	assert.Equal(t, []string{"SELECT 'a'", "SELECT 'b'", "SELECT 'c'"}, m.GetExecHistory())
	assert.Equal(t, []string{"SELECT 1; SELECT 'a'; SELECT 'b'; SELECT 'c'", "SELECT 'd'"}, m.GetSendHistory())

	assert.Equal(t, "d", mustRetrieve(t, p, d))
}

func TestReplay_ReleasesSessionWhileReplaying(t *testing.T) {
	ctx := context.Background()
	m := mock.NewMockSession().WithBatchFailure(errors.New("batch rejected"))

	var replaying []session.Focus
	opts := DefaultOptions()
	opts.Retain = 2
	opts.OnStateChange = func(tr StateTransition) {
		if tr.To == ReplayingDetached {
			replaying = append(replaying, m.CurrentFocus())
		}
	}
	p, err := New(m, &opts)
	require.NoError(t, err)
	defer p.Close(ctx)

	mustInsert(t, p, "SELECT 1")
	mustInsert(t, p, "SELECT 2")
	require.NoError(t, p.Complete(ctx))

	require.Len(t, replaying, 1)
	assert.Nil(t, replaying[0])
}

func TestReplay_SentinelValidation(t *testing.T) {
	tests := []struct {
		name     string
		sentinel *session.Result
		want     error
	}{
		{
			name:     "no rows",
			sentinel: &session.Result{Columns: []string{"?column?"}, CommandTag: "SELECT 0"},
			want:     ErrSentinelRows,
		},
		{
			name: "two rows",
			sentinel: &session.Result{
				Columns: []string{"?column?"},
				Rows: [][]sql.NullString{
					{{String: "1", Valid: true}},
					{{String: "1", Valid: true}},
				},
			},
			want: ErrSentinelRows,
		},
		{
			name: "wrong value",
			sentinel: &session.Result{
				Columns: []string{"?column?"},
				Rows:    [][]sql.NullString{{{String: "2", Valid: true}}},
			},
			want: ErrSentinelValue,
		},
		{
			name: "null value",
			sentinel: &session.Result{
				Columns: []string{"?column?"},
				Rows:    [][]sql.NullString{{{}}},
			},
			want: ErrSentinelValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := mock.NewMockSession().WithStatement(sentinelStatement, tt.sentinel)
			p := newTestPipeline(t, m, 1)

			a := mustInsert(t, p, "SELECT 10")
			b := mustInsert(t, p, "SELECT 20")

			_, _, err := p.Retrieve(ctx, a)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, Broken, p.State())
			assert.Equal(t, QueryID(0), p.errorAt)

			_, _, err = p.Retrieve(ctx, b)
			assert.ErrorIs(t, err, ErrPipelineBroken)
		})
	}
}

func TestReplay_SentinelReplyMissing(t *testing.T) {
	ctx := context.Background()
	m := mock.NewMockSession().WithLostReplies()
	p := newTestPipeline(t, m, 1)

	a := mustInsert(t, p, "SELECT 10")
	mustInsert(t, p, "SELECT 20")
	require.Len(t, m.GetSendHistory(), 1)

	_, _, err := p.Retrieve(ctx, a)
	require.ErrorIs(t, err, ErrSentinelMissing)
	assert.Equal(t, Broken, p.State())
	assert.Equal(t, QueryID(0), p.errorAt)
	assert.Nil(t, m.CurrentFocus())
}

func TestReplay_ConnectionLostDuringReplay(t *testing.T) {
	ctx := context.Background()
	m := mock.NewMockSession().
		WithBatchFailure(errors.New("batch rejected")).
		WithDeferredReplies()
	p := newTestPipeline(t, m, 1)

	a := mustInsert(t, p, "SELECT 1")
	mustInsert(t, p, "SELECT 2")

	var seen bool
	p.state.onStateChange(func(tr StateTransition) {
		if tr.To == ReplayingDetached && !seen {
			seen = true
			m.Break()
		}
	})

	_, _, err := p.Retrieve(ctx, a)
	require.ErrorIs(t, err, ErrBrokenConnection)
	assert.True(t, seen)
	assert.Equal(t, Broken, p.State())
	assert.Nil(t, m.CurrentFocus())
}
