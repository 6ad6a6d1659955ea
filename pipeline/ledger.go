package pipeline

import (
	"fmt"
	"math"
	"slices"

	"github.com/dan-strohschein/sqlpipeline/session"
)

// QueryID identifies a query within one pipeline. Ids increase strictly in
// submission order and are never reused.
type QueryID uint64

// endID sorts after every id the pipeline can generate. As a window bound it
// means "end of ledger"; as the error threshold it means "no failure yet".
const endID QueryID = math.MaxUint64

type queryStatus int

const (
	statusWaiting queryStatus = iota
	statusIssued
	statusResolved
	statusFailed
)

func (s queryStatus) String() string {
	switch s {
	case statusWaiting:
		return "waiting"
	case statusIssued:
		return "issued"
	case statusResolved:
		return "resolved"
	case statusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// query is the unit of work: immutable statement text plus a result slot.
type query struct {
	id     QueryID
	text   string
	status queryStatus
	result *session.Result
}

// resolve sets the result delivered by the reply stream. A query receives at
// most one result this way.
func (q *query) resolve(r *session.Result) bool {
	if q.result != nil {
		return false
	}
	q.result = r
	return true
}

// ledger holds the queries ordered by id.
type ledger struct {
	ids  []QueryID
	byID map[QueryID]*query
}

func newLedger() ledger {
	return ledger{byID: make(map[QueryID]*query)}
}

// add appends q. Its id must be larger than every id already present.
func (l *ledger) add(q *query) {
	l.ids = append(l.ids, q.id)
	l.byID[q.id] = q
}

func (l *ledger) get(id QueryID) (*query, bool) {
	q, ok := l.byID[id]
	return q, ok
}

func (l *ledger) remove(id QueryID) {
	if i, found := slices.BinarySearch(l.ids, id); found {
		l.ids = slices.Delete(l.ids, i, i+1)
		delete(l.byID, id)
	}
}

func (l *ledger) len() int {
	return len(l.ids)
}

// front returns the lowest id present, or endID.
func (l *ledger) front() QueryID {
	if len(l.ids) == 0 {
		return endID
	}
	return l.ids[0]
}

// after returns the lowest id present that is greater than id, or endID.
func (l *ledger) after(id QueryID) QueryID {
	i, found := slices.BinarySearch(l.ids, id)
	if found {
		i++
	}
	if i < len(l.ids) {
		return l.ids[i]
	}
	return endID
}

// span returns the queries with from <= id < to in ascending id order.
func (l *ledger) span(from, to QueryID) []*query {
	i, _ := slices.BinarySearch(l.ids, from)
	var out []*query
	for ; i < len(l.ids) && l.ids[i] < to; i++ {
		out = append(out, l.byID[l.ids[i]])
	}
	return out
}

func (l *ledger) clear() {
	l.ids = nil
	l.byID = make(map[QueryID]*query)
}

// checkInvariants verifies that every query's status agrees with its
// position relative to the batch window and the error threshold, and that
// the counters agree with the statuses.
func (p *Pipeline) checkInvariants() error {
	if p.first > p.second {
		return fmt.Errorf("batch window start %d is after its end %d", p.first, p.second)
	}
	if p.dummyPending && !p.havePending() {
		return fmt.Errorf("sentinel reply pending with nothing in flight")
	}

	waiting := 0
	for _, id := range p.queries.ids {
		q := p.queries.byID[id]

		var want queryStatus
		switch {
		case id >= p.errorAt:
			want = statusFailed
		case id < p.first:
			want = statusResolved
		case id < p.second:
			want = statusIssued
		default:
			want = statusWaiting
		}
		if q.status != want {
			return fmt.Errorf("query %d is %s, expected %s", id, q.status, want)
		}
		if want == statusWaiting {
			waiting++
		}
		if want == statusResolved && q.result == nil {
			return fmt.Errorf("query %d is resolved without a result", id)
		}
	}

	if p.errorAt == endID && waiting != p.waiting {
		return fmt.Errorf("waiting counter is %d, ledger holds %d waiting queries", p.waiting, waiting)
	}
	return nil
}
