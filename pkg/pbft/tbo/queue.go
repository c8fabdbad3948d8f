// Package tbo implements the to-be-ordered queue (C5, spec.md §4.5): a
// ring-indexed buffer that lets consensus messages for sequence numbers
// ahead of the currently-decided one accumulate without being dropped,
// until the ring's high-water mark is reached. Grounded on febft's
// `febft-messages/src/order_protocols/stateful_order_protocol.rs` style
// "pending requests" ring and the teacher's own ring-buffer-free
// channel queues in pkg/mcast/core/peer.go (generalized here to a
// random-access structure since TBO needs indexing by offset, not just
// FIFO draining).
package tbo

import (
	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// DefaultCapacity is the ring's slot count: spec.md §4.5 sizes it to
// the same period as a checkpoint, since messages older than the last
// checkpoint's base are never useful.
const DefaultCapacity = int(types.CheckpointPeriod)

// Pending pairs a buffered consensus message with the replica that
// sent it. The sender never rides along on types.ConsensusMessage
// itself, so the queue has to carry it separately or a replayed vote
// would be attributed to the wrong replica once it's drained.
type Pending struct {
	From types.NodeId
	Msg  types.ConsensusMessage
}

// Queue buffers consensus messages keyed by the offset of their
// sequence number from a moving base, evicting every slot below the
// new base whenever the base advances (spec.md §4.5). Messages of every
// phase for one sequence number share a single slot.
type Queue struct {
	base     types.SeqNo
	capacity int
	slots    [][]Pending
}

// NewQueue creates an empty queue anchored at base.
func NewQueue(base types.SeqNo) *Queue {
	return &Queue{
		base:     base,
		capacity: DefaultCapacity,
		slots:    make([][]Pending, DefaultCapacity),
	}
}

// Base returns the sequence number the queue is currently anchored at
// (the next sequence number expected to be decided).
func (q *Queue) Base() types.SeqNo { return q.base }

// Push buffers msg if its sequence number falls within the queue's
// current window; it reports false (and drops the message) when the
// sequence number is already behind the base or beyond the high-water
// mark, per spec.md §4.5 edge cases.
func (q *Queue) Push(from types.NodeId, msg types.ConsensusMessage) bool {
	idx, ok := q.index(msg.Seq)
	if !ok {
		return false
	}
	q.slots[idx] = append(q.slots[idx], Pending{From: from, Msg: msg})
	return true
}

// Drain returns every buffered message for seq and clears that slot.
func (q *Queue) Drain(seq types.SeqNo) []Pending {
	idx, ok := q.index(seq)
	if !ok {
		return nil
	}
	out := q.slots[idx]
	q.slots[idx] = nil
	return out
}

// Advance moves the base forward to newBase, evicting every slot that
// falls below the new window (spec.md §4.5 "Eviction on advance").
// Advancing backward is a no-op: the queue never rewinds.
func (q *Queue) Advance(newBase types.SeqNo) {
	if newBase <= q.base {
		return
	}
	delta := int(newBase - q.base)
	if delta >= q.capacity {
		for i := range q.slots {
			q.slots[i] = nil
		}
		q.base = newBase
		return
	}
	rotated := make([][]Pending, q.capacity)
	for i := delta; i < q.capacity; i++ {
		rotated[i-delta] = q.slots[i]
	}
	q.slots = rotated
	q.base = newBase
}

// index converts an absolute sequence number to a ring slot, returning
// false if seq falls outside [base, base+capacity).
func (q *Queue) index(seq types.SeqNo) (int, bool) {
	if seq < q.base {
		return 0, false
	}
	offset := int(seq - q.base)
	if offset >= q.capacity {
		return 0, false
	}
	return offset, true
}

// Len reports how many sequence-number slots currently hold at least
// one buffered message; mainly useful for tests and diagnostics.
func (q *Queue) Len() int {
	n := 0
	for _, s := range q.slots {
		if len(s) > 0 {
			n++
		}
	}
	return n
}
