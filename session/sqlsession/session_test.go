package sqlsession

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/sqlpipeline/pipeline"
	"github.com/dan-strohschein/sqlpipeline/session"
)

type focus string

func (f focus) Description() string { return string(f) }

func newMockSession(t *testing.T) (*Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db, nil), mock
}

func scalar(t *testing.T, r *session.Result) string {
	t.Helper()
	require.NotNil(t, r)
	v, err := r.Scalar()
	require.NoError(t, err)
	return v
}

func TestSession_ResultSetPerStatement(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1; SELECT 'x'; SELECT NULL").WillReturnRows(
		sqlmock.NewRows([]string{"?column?"}).AddRow("1"),
		sqlmock.NewRows([]string{"?column?"}).AddRow("x"),
		sqlmock.NewRows([]string{"?column?"}).AddRow(nil),
	)

	require.NoError(t, s.StartExec(ctx, "SELECT 1; SELECT 'x'; SELECT NULL"))
	assert.False(t, s.IsBusy())
	require.NoError(t, s.ConsumeInput(ctx))

	r, err := s.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", scalar(t, r))

	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", scalar(t, r))

	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	v, err := r.At(0, 0)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)

	// Nothing in flight.
	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSession_RejectedCommand(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1; SELEC 2").WillReturnError(&pgconn.PgError{
		Severity: "ERROR",
		Code:     "42601",
		Message:  `syntax error at or near "SELEC"`,
		Position: 11,
	})

	require.NoError(t, s.StartExec(ctx, "SELECT 1; SELEC 2"))

	r, err := s.GetResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)

	var se *session.StatementError
	require.True(t, errors.As(r.CheckStatus(), &se))
	assert.Equal(t, "42601", se.SQLState)
	assert.Equal(t, "E_SERVER_ERROR", se.Code)
	assert.Equal(t, int32(11), se.Details["position"])

	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSession_StatementFailsMidStream(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1; SELECT 1/0").WillReturnRows(
		sqlmock.NewRows([]string{"?column?"}).AddRow("1"),
		sqlmock.NewRows([]string{"?column?"}).AddRow("0").RowError(0, &pgconn.PgError{
			Code:    "22012",
			Message: "division by zero",
		}),
	)

	require.NoError(t, s.StartExec(ctx, "SELECT 1; SELECT 1/0"))

	r, err := s.GetResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", scalar(t, r))

	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.OK())

	var se *session.StatementError
	require.True(t, errors.As(r.CheckStatus(), &se))
	assert.Equal(t, "22012", se.SQLState)

	r, err = s.GetResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSession_BrokenConnection(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1").WillReturnError(&net.OpError{
		Op:  "read",
		Net: "tcp",
		Err: errors.New("connection reset by peer"),
	})

	err := s.StartExec(ctx, "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrConnectionBroken)

	_, err = s.GetResult(ctx)
	assert.ErrorIs(t, err, session.ErrConnectionBroken)
	assert.ErrorIs(t, s.ConsumeInput(ctx), session.ErrConnectionBroken)
	assert.ErrorIs(t, s.CancelQuery(ctx), session.ErrConnectionBroken)
}

func TestSession_OneCommandAtATime(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow("1"))

	require.NoError(t, s.StartExec(ctx, "SELECT 1"))
	assert.Error(t, s.StartExec(ctx, "SELECT 2"))
	_, err := s.Exec(ctx, "SELECT 2")
	assert.Error(t, err)

	require.NoError(t, s.Close())
}

func TestSession_Exec(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 5").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow("5"))
	mock.ExpectQuery("SELECT nope").WillReturnError(&pgconn.PgError{Code: "42703", Message: `column "nope" does not exist`})

	require.NoError(t, s.RegisterFocus(focus("pipeline 'p'")))
	_, err := s.Exec(ctx, "SELECT 5")
	var fe *session.FocusError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "E_SESSION_IN_USE", fe.Code)
	s.UnregisterFocus(focus("pipeline 'p'"))

	r, err := s.Exec(ctx, "SELECT 5")
	require.NoError(t, err)
	assert.Equal(t, "5", scalar(t, r))

	r, err = s.Exec(ctx, "SELECT nope")
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Equal(t, "SELECT nope", r.Query)
}

func TestSession_DrivesPipeline(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1; SELECT 10; SELECT 20").WillReturnRows(
		sqlmock.NewRows([]string{"?column?"}).AddRow("1"),
		sqlmock.NewRows([]string{"?column?"}).AddRow("10"),
		sqlmock.NewRows([]string{"?column?"}).AddRow("20"),
	)

	opts := pipeline.DefaultOptions()
	opts.Retain = 2
	p, err := pipeline.New(s, &opts)
	require.NoError(t, err)
	defer p.Close(ctx)

	a, err := p.Insert(ctx, "SELECT 10")
	require.NoError(t, err)
	b, err := p.Insert(ctx, "SELECT 20")
	require.NoError(t, err)
	require.NoError(t, p.Complete(ctx))

	_, r, err := p.Retrieve(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "10", scalar(t, r))
	assert.Equal(t, "SELECT 10", r.Query)

	_, r, err = p.Retrieve(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "20", scalar(t, r))
}

func TestSession_PipelineReplaysRejectedBatch(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1; SELECT 10; SELEC 20; SELECT 30").WillReturnError(&pgconn.PgError{
		Code:    "42601",
		Message: `syntax error at or near "SELEC"`,
	})
	mock.ExpectQuery("SELECT 10").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow("10"))
	mock.ExpectQuery("SELEC 20").WillReturnError(&pgconn.PgError{
		Code:    "42601",
		Message: `syntax error at or near "SELEC"`,
	})

	opts := pipeline.DefaultOptions()
	opts.Retain = 3
	p, err := pipeline.New(s, &opts)
	require.NoError(t, err)
	defer p.Close(ctx)

	ids := make([]pipeline.QueryID, 0, 3)
	for _, stmt := range []string{"SELECT 10", "SELEC 20", "SELECT 30"} {
		id, err := p.Insert(ctx, stmt)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, p.Complete(ctx))

	_, r, err := p.Retrieve(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "10", scalar(t, r))

	_, _, err = p.Retrieve(ctx, ids[1])
	var se *session.StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "42601", se.SQLState)
	assert.Equal(t, "SELEC 20", se.Statement)

	_, _, err = p.Retrieve(ctx, ids[2])
	assert.ErrorIs(t, err, pipeline.ErrEarlierQueryFailed)
}

func TestSession_PipelineAttributesFailureToStatement(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockSession(t)

	mock.ExpectQuery("SELECT 1; SELECT 10; SELECT 1/0; SELECT 30").WillReturnRows(
		sqlmock.NewRows([]string{"?column?"}).AddRow("1"),
		sqlmock.NewRows([]string{"?column?"}).AddRow("10"),
		sqlmock.NewRows([]string{"?column?"}).AddRow("0").RowError(0, &pgconn.PgError{
			Code:    "22012",
			Message: "division by zero",
		}),
	)

	opts := pipeline.DefaultOptions()
	opts.Retain = 3
	p, err := pipeline.New(s, &opts)
	require.NoError(t, err)
	defer p.Close(ctx)

	ids := make([]pipeline.QueryID, 0, 3)
	for _, stmt := range []string{"SELECT 10", "SELECT 1/0", "SELECT 30"} {
		id, err := p.Insert(ctx, stmt)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, p.Complete(ctx))

	_, r, err := p.Retrieve(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "10", scalar(t, r))

	_, r, err = p.Retrieve(ctx, ids[1])
	var se *session.StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "22012", se.SQLState)
	assert.Equal(t, "SELECT 1/0", se.Statement)
	assert.NotContains(t, se.Error(), "SELECT 1;")
	require.NotNil(t, r)
	assert.Equal(t, "SELECT 1/0", r.Query)

	_, _, err = p.Retrieve(ctx, ids[2])
	assert.ErrorIs(t, err, pipeline.ErrEarlierQueryFailed)
}
