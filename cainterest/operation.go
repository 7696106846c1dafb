package cainterest

import (
	"fmt"

	"github.com/otpgo/clientagent/cachannel"
)

// Operation tracks the completion of one add-interest request.
//
// One object query is issued per newly covered zone.
// Each query answers with zero or more objects and then a single count;
// the operation has its total once every query has reported its count,
// and it is ready when at least that many objects are visible
// in the queried zones.
//
// Zones closed while the operation is pending no longer count:
// their objects are not expected and their counts are discarded.
type Operation struct {
	InterestID    uint16
	ClientContext uint32

	Parent uint32
	Zones  ZoneSet

	// For interests added by another server process,
	// the channel to answer when the operation completes.
	// Zero for client-initiated interests.
	ReplyTo cachannel.Channel

	queries map[uint32]query
	waiting int

	total uint32

	anomaly bool
	ready   bool
}

type query struct {
	zone   uint32
	count  uint32
	done   bool
	closed bool
}

// NewOperation returns an operation waiting on one count per query context.
// queries[i] is the query for the i'th zone of zones in ascending order.
// The operation takes ownership of zones.
func NewOperation(
	interestID uint16, clientContext uint32,
	parent uint32, zones ZoneSet,
	queries []uint32,
) Operation {
	if len(queries) != zones.Len() {
		panic(fmt.Errorf(
			"BUG: %d query contexts for %d zones", len(queries), zones.Len(),
		))
	}

	op := Operation{
		InterestID:    interestID,
		ClientContext: clientContext,

		Parent: parent,
		Zones:  zones,

		queries: make(map[uint32]query, len(queries)),
	}
	for i, z := range zones.Sorted() {
		q := queries[i]
		if _, ok := op.queries[q]; ok {
			panic(fmt.Errorf("BUG: duplicate query context %d", q))
		}
		op.queries[q] = query{zone: z}
	}
	op.waiting = len(op.queries)
	return op
}

// Queries returns the number of object queries the operation waits on.
func (op *Operation) Queries() int {
	return len(op.queries)
}

// HasTotal reports whether every query has reported its count.
func (op *Operation) HasTotal() bool {
	return op.waiting == 0
}

// Total returns the sum of the counts reported so far
// for zones that are still open.
func (op *Operation) Total() uint32 {
	return op.total
}

// UnknownQueryError is returned by [*Operation.StoreTotal]
// for a query context the operation did not issue.
type UnknownQueryError struct {
	Query uint32
}

func (e UnknownQueryError) Error() string {
	return fmt.Sprintf("count for unknown query context %d", e.Query)
}

// DuplicateTotalError is returned by [*Operation.StoreTotal]
// when a query reports its count more than once.
// The second count is discarded.
type DuplicateTotalError struct {
	Query uint32
	Got   uint32
}

func (e DuplicateTotalError) Error() string {
	return fmt.Sprintf(
		"duplicate count %d for query context %d", e.Got, e.Query,
	)
}

// StoreTotal records the object count reported for a query.
//
// A repeated count is an anomaly on the bus.
// It is reported as a [DuplicateTotalError],
// and the operation is then treated as ready
// as soon as every query has reported,
// regardless of how many objects arrived.
func (op *Operation) StoreTotal(query, count uint32) error {
	q, ok := op.queries[query]
	if !ok {
		return UnknownQueryError{Query: query}
	}
	if q.done {
		op.anomaly = true
		return DuplicateTotalError{Query: query, Got: count}
	}

	q.done = true
	q.count = count
	op.queries[query] = q
	op.waiting--
	if !q.closed {
		op.total += count
	}
	return nil
}

// CloseZones stops counting the given zones of parent.
// Their counts are still awaited, but no longer add to the total,
// and their objects no longer satisfy it.
func (op *Operation) CloseZones(parent uint32, zones ZoneSet) {
	if parent != op.Parent {
		return
	}

	for ctx, q := range op.queries {
		if q.closed || !zones.Contains(q.zone) {
			continue
		}
		q.closed = true
		op.queries[ctx] = q
		delete(op.Zones, q.zone)
		if q.done {
			op.total -= q.count
		}
	}
}

// IsReady reports whether the operation is complete,
// given the objects currently visible to the client.
// Once IsReady returns true it keeps returning true.
func (op *Operation) IsReady(visible map[uint32]VisibleObject) bool {
	if op.ready {
		return true
	}
	if !op.HasTotal() {
		return false
	}
	if op.anomaly {
		op.ready = true
		return true
	}

	var n uint32
	for _, v := range visible {
		if v.Parent == op.Parent && op.Zones.Contains(v.Zone) {
			n++
			if n >= op.total {
				break
			}
		}
	}

	op.ready = n >= op.total
	return op.ready
}
