package pipeline

import (
	"context"
	"time"

	"github.com/dan-strohschein/sqlpipeline/logging"
	"github.com/dan-strohschein/sqlpipeline/session"
)

// obtainDummy reads the sentinel's reply. An error reply means the server
// rejected the whole batch, which is then replayed statement by statement.
func (p *Pipeline) obtainDummy(ctx context.Context) error {
	r, err := p.sess.GetResult(ctx)
	p.dummyPending = false
	if err != nil {
		return errBrokenConnection("result retrieval", err)
	}
	if r == nil {
		return p.internalError(ErrSentinelMissing, "pipeline got no result from backend when it expected one", nil)
	}

	if r.CheckStatus() != nil {
		return p.replay(ctx, r)
	}

	if r.Size() != 1 {
		return p.internalError(ErrSentinelRows, "unexpected result for sentinel query in pipeline", map[string]interface{}{
			"rows": r.Size(),
		})
	}
	v, err := r.At(0, 0)
	if err != nil || !v.Valid || v.String != sentinelValue {
		return p.internalError(ErrSentinelValue, "sentinel query in pipeline returned unexpected value", map[string]interface{}{
			"value": v.String,
		})
	}
	return nil
}

// replay executes the rejected batch one statement at a time, stopping at
// the first failure. Statements after the failure are left unexecuted and
// become failed.
func (p *Pipeline) replay(ctx context.Context, failed *session.Result) error {
	batch := p.queries.span(p.first, p.second)
	stop := p.second

	// Placeholder results, overwritten as each statement is replayed.
	for _, q := range batch {
		q.result = failed.WithQuery(q.text)
	}

	// Nothing else should follow the rejection.
	if _, err := p.obtainResult(ctx, true); err != nil {
		return err
	}

	p.waiting += len(batch)
	p.second = p.first
	for _, q := range batch {
		q.status = statusWaiting
	}

	p.metrics.replays.Inc()
	p.logger.Warn("batch rejected, replaying statements individually",
		logging.Uint64("first_id", uint64(p.first)),
		logging.Int("statements", len(batch)),
		logging.Error("error", failed.Err),
	)

	wasAttached := p.state.state() == Attached
	if wasAttached {
		p.sess.UnregisterFocus(p)
		if err := p.state.transitionTo(ReplayingDetached, failed.Err, map[string]interface{}{
			"reason":     "replay",
			"batch_size": len(batch),
		}); err != nil {
			return err
		}
	}

	start := time.Now()
	faulted := false
	var execErr error
	for p.first != stop {
		q, _ := p.queries.get(p.first)
		p.waiting--

		res, err := p.sess.Exec(ctx, q.text)
		if err != nil {
			execErr = errBrokenConnection("replay", err)
			break
		}
		q.result = res.WithQuery(q.text)
		q.status = statusResolved

		if q.result.CheckStatus() != nil {
			faulted = true
			thud := q.id
			p.first = p.queries.after(thud)
			p.second = p.first
			if p.first == endID {
				p.setErrorAt(thud + 1)
			} else {
				p.setErrorAt(p.first)
			}
			p.logger.Warn("replay located failing statement",
				logging.Uint64("query_id", uint64(thud)),
				logging.Uint64("error_at", uint64(p.errorAt)),
				logging.Duration("elapsed", time.Since(start)),
			)
			break
		}
		p.first = p.queries.after(p.first)
	}

	if execErr == nil && !faulted {
		p.second = p.first
	}

	if wasAttached {
		if err := p.sess.RegisterFocus(p); err != nil && execErr == nil {
			execErr = p.internalError(ErrFocusLost, "session was claimed by another user during replay", map[string]interface{}{
				"cause": err.Error(),
			})
		}
		if err := p.state.transitionTo(Attached, nil, map[string]interface{}{"reason": "replay"}); err != nil && execErr == nil {
			execErr = err
		}
	}
	return execErr
}
