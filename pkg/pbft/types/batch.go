package types

// Batch is an ordered list of client request digests plus the
// aggregate digest, hash-chained across per-leader sub-batches
// (spec.md §3). In the common single-leader case the chain has one
// link.
type Batch struct {
	Requests []ClientRequest
	// SubBatchDigests holds the per-leader sub-batch digest, in
	// leader-set order, that were folded into Aggregate.
	SubBatchDigests []Digest
	Aggregate       Digest
}

// NewBatch computes per-request digests and folds them into a single
// chained aggregate digest.
func NewBatch(subBatches [][]ClientRequest) Batch {
	var all []ClientRequest
	var subDigests []Digest
	acc := ZeroDigest
	for _, sub := range subBatches {
		var digests []Digest
		for _, r := range sub {
			digests = append(digests, r.Digest())
		}
		subDigest := chainDigests(digests)
		subDigests = append(subDigests, subDigest)
		acc = Chain(acc, subDigest)
		all = append(all, sub...)
	}
	return Batch{Requests: all, SubBatchDigests: subDigests, Aggregate: acc}
}

func chainDigests(digests []Digest) Digest {
	acc := ZeroDigest
	for _, d := range digests {
		acc = Chain(acc, d)
	}
	return acc
}

// RequestDigests returns the flat list of digests for every request in
// the batch, in order, matching the PrePrepare payload's
// `request_digests[]` field (spec.md §3).
func (b Batch) RequestDigests() []Digest {
	digests := make([]Digest, len(b.Requests))
	for i, r := range b.Requests {
		digests[i] = r.Digest()
	}
	return digests
}

// DecidingLogEntry tracks one in-flight consensus height: the
// leader-set for this height, the received pre-prepare slots (one per
// leader), the set of leaders that have proposed, per-request digests,
// and the wire-digests that must be durable before the batch may be
// executed (spec.md §3, "Deciding-log entry").
type DecidingLogEntry struct {
	Seq SeqNo

	LeaderSet []NodeId

	// PrePrepares holds the PrePrepare received from each leader in
	// LeaderSet, keyed by leader id. A multi-leader height is only
	// ready to assemble its batch once every leader's slot is filled.
	PrePrepares map[NodeId]ConsensusMessage

	// ReceivedLeaders is the set of leaders that have contributed a
	// PrePrepare so far.
	ReceivedLeaders map[NodeId]bool

	// RequestDigests is the full ordered list of request digests the
	// assembled batch will contain, once every leader slot is filled.
	RequestDigests []Digest

	// Durable is the set of wire-message digests (one per PrePrepare)
	// that must be acknowledged durable by the external log before
	// this height's batch may be dispatched to the executor (spec.md
	// §3 invariant 5, §6 "Persisted state layout").
	Durable map[Digest]bool

	// BatchDigest is filled in once every leader slot is present and
	// the aggregate has been computed.
	BatchDigest Digest
	Assembled   bool
}

// NewDecidingLogEntry starts tracking a height for the given view's
// leader set.
func NewDecidingLogEntry(seq SeqNo, leaderSet []NodeId) *DecidingLogEntry {
	return &DecidingLogEntry{
		Seq:             seq,
		LeaderSet:       append([]NodeId(nil), leaderSet...),
		PrePrepares:     make(map[NodeId]ConsensusMessage),
		ReceivedLeaders: make(map[NodeId]bool),
		Durable:         make(map[Digest]bool),
	}
}

// AddPrePrepare records a PrePrepare from one of this height's
// leaders, returning true once every leader slot has been filled (at
// which point the entry's aggregate batch digest is computed).
func (e *DecidingLogEntry) AddPrePrepare(leader NodeId, wireDigest Digest, m ConsensusMessage) bool {
	if e.ReceivedLeaders[leader] {
		return e.Assembled
	}
	e.PrePrepares[leader] = m
	e.ReceivedLeaders[leader] = true
	e.Durable[wireDigest] = true

	if len(e.ReceivedLeaders) < len(e.LeaderSet) {
		return false
	}

	acc := ZeroDigest
	var digests []Digest
	for _, leader := range e.LeaderSet {
		pp := e.PrePrepares[leader]
		acc = Chain(acc, pp.BatchDigest)
		digests = append(digests, pp.RequestDigests...)
	}
	e.BatchDigest = acc
	e.RequestDigests = digests
	e.Assembled = true
	return true
}

// DurableSet returns the wire digests this height requires to be
// acknowledged durable before execution, as a plain slice.
func (e *DecidingLogEntry) DurableSet() []Digest {
	out := make([]Digest, 0, len(e.Durable))
	for d := range e.Durable {
		out = append(out, d)
	}
	return out
}
