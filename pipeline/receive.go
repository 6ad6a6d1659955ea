package pipeline

import (
	"context"

	"github.com/dan-strohschein/sqlpipeline/logging"
)

// obtainResult reads one reply and assigns it to the oldest pending query.
// It reports whether a reply was assigned.
//
// The end of the reply stream while queries are still pending means the
// server stopped at a failing statement: the oldest pending query never ran
// and becomes the error threshold. With expectNone the end of the stream is
// expected and changes nothing.
func (p *Pipeline) obtainResult(ctx context.Context, expectNone bool) (bool, error) {
	r, err := p.sess.GetResult(ctx)
	if err != nil {
		return false, errBrokenConnection("result retrieval", err)
	}

	if r == nil {
		if p.havePending() && !expectNone {
			p.logger.Debug("reply stream ended early", logging.Uint64("error_at", uint64(p.first)))
			p.setErrorAt(p.first)
			p.second = p.first
		}
		return false, nil
	}

	if !p.havePending() {
		return false, p.internalError(ErrExcessResult, "got more results from pipeline than there were queries", map[string]interface{}{
			"query": r.Query,
		})
	}

	q, ok := p.queries.get(p.first)
	if !ok {
		return false, p.internalError(ErrExcessResult, "pending query missing from pipeline", map[string]interface{}{
			"query_id": p.first,
		})
	}
	if !q.resolve(r.WithQuery(q.text)) {
		return false, p.internalError(ErrDuplicateResult, "multiple results for one query", map[string]interface{}{
			"query_id": q.id,
			"query":    q.text,
		})
	}
	q.status = statusResolved
	p.first = p.queries.after(p.first)
	p.metrics.resultsReceived.Inc()
	return true, nil
}

// receive reads replies until the query before stop is resolved or the
// stream ends, then picks up whatever else has already arrived.
func (p *Pipeline) receive(ctx context.Context, stop QueryID) error {
	if p.dummyPending {
		if err := p.obtainDummy(ctx); err != nil {
			return err
		}
	}

	for {
		ok, err := p.obtainResult(ctx, false)
		if err != nil {
			return err
		}
		if !ok || p.first == stop {
			break
		}
	}

	if p.first == stop {
		return p.getFurtherAvailableResults(ctx)
	}
	return nil
}

// receiveIfAvailable collects replies that can be read without blocking.
func (p *Pipeline) receiveIfAvailable(ctx context.Context) error {
	if err := p.sess.ConsumeInput(ctx); err != nil {
		return errBrokenConnection("input", err)
	}
	if p.sess.IsBusy() {
		return nil
	}

	if p.dummyPending {
		if err := p.obtainDummy(ctx); err != nil {
			return err
		}
	}
	if p.havePending() {
		return p.getFurtherAvailableResults(ctx)
	}
	return nil
}

func (p *Pipeline) getFurtherAvailableResults(ctx context.Context) error {
	for !p.sess.IsBusy() {
		ok, err := p.obtainResult(ctx, false)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := p.sess.ConsumeInput(ctx); err != nil {
			return errBrokenConnection("input", err)
		}
	}
	return nil
}
