// Package pipeline streams SQL statements to a session in batches and hands
// their results back one at a time, in submission order.
//
// Statements are concatenated into a single multi-statement command. The
// server stops executing such a command at the first failure, so when more
// than one statement is batched a trivial sentinel statement is sent first:
// if the sentinel's reply is an error, the batch as a whole was rejected and
// the pipeline replays its statements one at a time to find the culprit.
// Every statement after a failure is reported as not executed.
//
// A Pipeline is not safe for concurrent use.
package pipeline

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dan-strohschein/sqlpipeline/logging"
	"github.com/dan-strohschein/sqlpipeline/session"
)

// Pipeline queues statements on a session and demultiplexes their results.
type Pipeline struct {
	sess    session.Session
	name    string
	logger  logging.Logger
	metrics *Metrics
	debug   bool
	state   *stateManager

	queries ledger

	// [first, second) is the batch in flight. first == second means
	// nothing is pending; ids at or after second are waiting to be sent.
	first, second QueryID

	// errorAt is the lowest id known not to have executed. Queries at or
	// after it are failed.
	errorAt QueryID

	lastID       QueryID
	waiting      int
	retain       int
	dummyPending bool

	fatal error
}

var _ session.Focus = (*Pipeline)(nil)

// New creates a pipeline on sess and claims exclusive use of it.
func New(sess session.Session, opts *Options) (*Pipeline, error) {
	if sess == nil {
		return nil, errors.New("pipeline requires a session")
	}
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}
	if opts.Retain < 0 {
		return nil, errNegativeRetain(opts.Retain)
	}

	name := opts.Name
	if name == "" {
		name = DefaultOptions().Name
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(opts.Registerer)
	}

	p := &Pipeline{
		sess:    sess,
		name:    name,
		logger:  logger.WithFields(logging.String("pipeline", name)),
		metrics: metrics,
		debug:   opts.DebugMode,
		state:   newStateManager(),
		queries: newLedger(),
		first:   endID,
		second:  endID,
		errorAt: endID,
		retain:  opts.Retain,
	}
	if opts.OnStateChange != nil {
		p.state.onStateChange(opts.OnStateChange)
	}

	if err := p.attach("new"); err != nil {
		return nil, err
	}
	return p, nil
}

// NewWithRegisterer is a shorthand for New with default options whose
// metrics are registered with reg.
func NewWithRegisterer(sess session.Session, reg prometheus.Registerer) (*Pipeline, error) {
	opts := DefaultOptions()
	opts.Registerer = reg
	return New(sess, &opts)
}

// Name returns the pipeline's name.
func (p *Pipeline) Name() string {
	return p.name
}

// Description implements session.Focus.
func (p *Pipeline) Description() string {
	return "pipeline '" + p.name + "'"
}

// State returns the current lifecycle state.
func (p *Pipeline) State() LifecycleState {
	return p.state.state()
}

// Empty reports whether the pipeline holds no queries.
func (p *Pipeline) Empty() bool {
	return p.queries.len() == 0
}

// Insert appends a statement and returns its id. The statement is sent once
// more than the retain count of statements are waiting and the session is
// free; otherwise it waits for a later dispatch.
//
// If dispatching fails the query stays in the pipeline and the id is
// returned alongside the error.
func (p *Pipeline) Insert(ctx context.Context, text string) (QueryID, error) {
	if err := p.usable(); err != nil {
		return 0, err
	}

	id, err := p.generateID()
	if err != nil {
		return 0, err
	}
	if err := p.attach("insert"); err != nil {
		return 0, err
	}

	q := &query{id: id, text: text, status: statusWaiting}
	if id >= p.errorAt {
		q.status = statusFailed
	}
	p.queries.add(q)

	if p.second == endID {
		p.second = id
		if p.first == endID {
			p.first = id
		}
	}
	p.waiting++

	if p.debug {
		p.logger.Debug("query inserted", logging.Uint64("query_id", uint64(id)), logging.String("query", text))
	}

	if p.waiting > p.retain {
		if p.havePending() {
			if err := p.receiveIfAvailable(ctx); err != nil {
				return id, p.check(err)
			}
		}
		if !p.havePending() {
			if err := p.issue(ctx); err != nil {
				return id, p.check(err)
			}
		}
	}
	return id, nil
}

// Retrieve waits for the result of query id and removes it from the
// pipeline. If the statement failed, its result is returned together with
// the statement error. If an earlier statement failed, the query never ran
// and ErrEarlierQueryFailed is returned; the query stays in the pipeline
// until Flush or Cancel.
func (p *Pipeline) Retrieve(ctx context.Context, id QueryID) (QueryID, *session.Result, error) {
	if err := p.usable(); err != nil {
		return 0, nil, err
	}
	q, ok := p.queries.get(id)
	if !ok {
		return 0, nil, errUnknownQuery(id)
	}
	res, err := p.retrieve(ctx, q)
	return id, res, err
}

// RetrieveNext retrieves the oldest query in the pipeline.
func (p *Pipeline) RetrieveNext(ctx context.Context) (QueryID, *session.Result, error) {
	if err := p.usable(); err != nil {
		return 0, nil, err
	}
	if p.Empty() {
		return 0, nil, errEmptyPipeline()
	}
	q, _ := p.queries.get(p.queries.front())
	res, err := p.retrieve(ctx, q)
	return q.id, res, err
}

func (p *Pipeline) retrieve(ctx context.Context, q *query) (*session.Result, error) {
	if q.id >= p.errorAt {
		p.metrics.failedStatements.WithLabelValues(reasonEarlierFailure).Inc()
		return nil, errEarlierQueryFailed(q, p.errorAt)
	}

	if p.second != endID && q.id >= p.second {
		// Not sent yet. Finish the batch in flight and send the next one.
		if p.havePending() {
			if err := p.receive(ctx, p.second); err != nil {
				return nil, p.check(err)
			}
		}
		if p.errorAt == endID {
			if err := p.issue(ctx); err != nil {
				return nil, p.check(err)
			}
		}
	}

	if p.havePending() {
		if q.id >= p.first {
			if err := p.receive(ctx, p.queries.after(q.id)); err != nil {
				return nil, p.check(err)
			}
		} else if err := p.receiveIfAvailable(ctx); err != nil {
			return nil, p.check(err)
		}
	}

	if q.id >= p.errorAt {
		p.metrics.failedStatements.WithLabelValues(reasonEarlierFailure).Inc()
		return nil, errEarlierQueryFailed(q, p.errorAt)
	}

	// Keep the server busy while the caller works on this result.
	if p.waiting > 0 && !p.havePending() && p.errorAt == endID {
		if err := p.issue(ctx); err != nil {
			return nil, p.check(err)
		}
	}

	res := q.result
	p.queries.remove(q.id)
	if p.Empty() {
		p.release("retrieve")
	}

	if err := res.CheckStatus(); err != nil {
		p.metrics.failedStatements.WithLabelValues(reasonStatement).Inc()
		return res, err
	}
	return res, nil
}

// IsFinished reports whether the result of query id is available without
// further waiting.
func (p *Pipeline) IsFinished(id QueryID) (bool, error) {
	if _, ok := p.queries.get(id); !ok {
		return false, errUnknownQuery(id)
	}
	return p.first == endID || (id < p.first && id < p.errorAt), nil
}

// Retain sets how many waiting statements the pipeline accumulates before
// it dispatches on its own, and returns the previous value. If at least n
// statements are already waiting they are dispatched.
func (p *Pipeline) Retain(ctx context.Context, n int) (int, error) {
	if n < 0 {
		return p.retain, errNegativeRetain(n)
	}
	if err := p.usable(); err != nil {
		return p.retain, err
	}

	old := p.retain
	p.retain = n
	if p.waiting >= p.retain {
		if err := p.Resume(ctx); err != nil {
			return old, err
		}
	}
	return old, nil
}

// Resume collects whatever results are available and dispatches waiting
// statements if the session is free. It does not block.
func (p *Pipeline) Resume(ctx context.Context) error {
	if err := p.usable(); err != nil {
		return err
	}

	if p.havePending() {
		if err := p.receiveIfAvailable(ctx); err != nil {
			return p.check(err)
		}
	}
	if !p.havePending() && p.waiting > 0 {
		if err := p.issue(ctx); err != nil {
			return p.check(err)
		}
		if err := p.receiveIfAvailable(ctx); err != nil {
			return p.check(err)
		}
	}
	return nil
}

// Complete sends every waiting statement and waits for all results. The
// results stay in the pipeline for retrieval; the session is released.
func (p *Pipeline) Complete(ctx context.Context) error {
	if err := p.usable(); err != nil {
		return err
	}
	defer p.release("complete")

	if p.havePending() {
		if err := p.receive(ctx, p.second); err != nil {
			return p.check(err)
		}
	}
	if p.waiting > 0 && p.errorAt == endID {
		if err := p.issue(ctx); err != nil {
			return p.check(err)
		}
		if p.havePending() {
			if err := p.receive(ctx, endID); err != nil {
				return p.check(err)
			}
		}
	}
	return nil
}

// Flush waits for the batch in flight, then discards every query and result
// and releases the session. Waiting statements are never sent.
func (p *Pipeline) Flush(ctx context.Context) error {
	var err error
	if p.fatal == nil && p.havePending() {
		if rerr := p.receive(ctx, p.second); rerr != nil {
			err = p.check(rerr)
		}
	}

	p.logger.Debug("pipeline flushed", logging.Int("discarded", p.queries.len()))
	p.reset()
	p.release("flush")
	return err
}

// Cancel asks the server to abandon the statements in flight, then discards
// every query and releases the session.
func (p *Pipeline) Cancel(ctx context.Context) error {
	var err error
	if p.fatal == nil {
		err = p.cancelInFlight(ctx)
	}

	p.reset()
	p.release("cancel")
	return err
}

func (p *Pipeline) cancelInFlight(ctx context.Context) error {
	if p.dummyPending {
		p.dummyPending = false
		if _, err := p.sess.GetResult(ctx); err != nil {
			return p.check(errBrokenConnection("cancel", err))
		}
	}

	// Each statement's acknowledgment is read before its record goes.
	cancelled := 0
	for p.havePending() {
		if err := p.sess.CancelQuery(ctx); err != nil {
			return p.check(errBrokenConnection("cancel", err))
		}
		if _, err := p.sess.GetResult(ctx); err != nil {
			return p.check(errBrokenConnection("cancel", err))
		}
		id := p.first
		p.first = p.queries.after(id)
		p.queries.remove(id)
		cancelled++
	}
	p.metrics.cancelledStatement.Add(float64(cancelled))

	// Consume the end of the abandoned command's reply stream.
	for {
		r, err := p.sess.GetResult(ctx)
		if err != nil {
			return p.check(errBrokenConnection("cancel", err))
		}
		if r == nil {
			break
		}
	}

	if cancelled > 0 {
		p.logger.Info("cancelled in-flight statements", logging.Int("cancelled", cancelled))
	}
	return nil
}

// Close cancels whatever is in flight and releases the session. The
// pipeline must not be used afterwards.
func (p *Pipeline) Close(ctx context.Context) error {
	err := p.Cancel(ctx)
	if err != nil {
		p.logger.Warn("error while closing pipeline", logging.Error("error", err))
	}
	return err
}

func (p *Pipeline) havePending() bool {
	return p.first != p.second
}

// setErrorAt lowers the error threshold to id and marks every query at or
// after it as failed. It never raises the threshold.
func (p *Pipeline) setErrorAt(id QueryID) {
	if id >= p.errorAt {
		return
	}
	p.errorAt = id
	for _, q := range p.queries.span(id, endID) {
		q.status = statusFailed
	}
}

// internalError poisons the whole pipeline.
func (p *Pipeline) internalError(sentinel *InternalError, message string, details map[string]interface{}) error {
	p.setErrorAt(0)
	return newInternalError(sentinel.Code, message, details)
}

// check marks the pipeline broken when err is fatal and returns err.
func (p *Pipeline) check(err error) error {
	var connErr *ConnectionError
	var intErr *InternalError
	if !errors.As(err, &connErr) && !errors.As(err, &intErr) {
		return err
	}
	if p.fatal != nil {
		return err
	}

	p.fatal = err
	p.logger.Error("pipeline broken", logging.Error("error", err))
	p.sess.UnregisterFocus(p)
	if terr := p.state.transitionTo(Broken, err, map[string]interface{}{"reason": "fatal"}); terr != nil {
		p.logger.Error("lifecycle transition failed", logging.Error("error", terr))
	}
	return err
}

func (p *Pipeline) usable() error {
	if p.fatal != nil {
		return errPipelineBroken(p.fatal)
	}
	return nil
}

// attach claims the session unless the pipeline already holds it.
func (p *Pipeline) attach(reason string) error {
	if p.state.state() == Attached {
		return nil
	}
	if err := p.sess.RegisterFocus(p); err != nil {
		return err
	}
	return p.state.transitionTo(Attached, nil, map[string]interface{}{"reason": reason})
}

// release gives up the session if the pipeline holds it.
func (p *Pipeline) release(reason string) {
	if p.state.state() != Attached {
		return
	}
	p.sess.UnregisterFocus(p)
	if err := p.state.transitionTo(Detached, nil, map[string]interface{}{"reason": reason}); err != nil {
		p.logger.Error("lifecycle transition failed", logging.Error("error", err))
	}
}

// reset forgets every query. Ids keep increasing across resets.
func (p *Pipeline) reset() {
	p.queries.clear()
	p.first = endID
	p.second = endID
	p.errorAt = endID
	p.waiting = 0
	p.dummyPending = false
}
