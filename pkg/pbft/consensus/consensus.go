// Package consensus implements the three-phase ordering state machine
// (C6, spec.md §4.6): Init -> PrePreparing -> Preparing(k) ->
// Committing(k) -> Decided. Grounded on febft's
// `src/bft/consensus/mod.rs` (`Consensus<S>::process_message`/`poll`),
// generalized here with per-peer vote sets instead of a bare counter
// so a repeated vote from the same replica can be detected and
// reported rather than silently inflating the tally.
package consensus

import (
	"github.com/jabolina/go-pbft/pkg/pbft/tbo"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// Phase is the consensus instance's current stage.
type Phase int

const (
	Init Phase = iota
	PrePreparing
	Preparing
	Committing
	Decided
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case PrePreparing:
		return "pre-preparing"
	case Preparing:
		return "preparing"
	case Committing:
		return "committing"
	case Decided:
		return "decided"
	default:
		return "unknown"
	}
}

// Status is returned from ProcessMessage (spec.md §4.6 "ConsensusStatus").
type Status int

const (
	// Deciding means the instance is still collecting votes.
	Deciding Status = iota
	// VotedTwice means the sender had already cast a vote for this
	// phase; the repeated vote was dropped, the phase did not
	// advance, and the caller should record evidence (spec.md §7, §9
	// Open Question 1).
	VotedTwice
	// DecidedStatus means a quorum was reached for the commit phase.
	DecidedStatus
)

// Instance tracks one sequence number's three-phase vote. Grounded on
// febft's `Consensus<S>` but replacing its bare `Preparing(usize)`/
// `Committing(usize)` counters with explicit per-peer vote sets.
type Instance struct {
	seq   types.SeqNo
	phase Phase

	batchDigest types.Digest
	requestDigs []types.Digest

	prepareVotes map[types.NodeId]bool
	commitVotes  map[types.NodeId]bool
}

func newInstance(seq types.SeqNo) *Instance {
	return &Instance{
		seq:          seq,
		phase:        Init,
		prepareVotes: make(map[types.NodeId]bool),
		commitVotes:  make(map[types.NodeId]bool),
	}
}

// SequenceNumber returns the instance's sequence number.
func (in *Instance) SequenceNumber() types.SeqNo { return in.seq }

// Phase returns the instance's current phase.
func (in *Instance) Phase() Phase { return in.phase }

// BatchDigest returns the digest proposed in this instance's
// PrePrepare, valid once Phase is past PrePreparing.
func (in *Instance) BatchDigest() types.Digest { return in.batchDigest }

// RequestDigests returns the ordered request digests carried by this
// instance's PrePrepare, used by the driver to fetch the batch for
// execution once the instance decides.
func (in *Instance) RequestDigests() []types.Digest { return in.requestDigs }

// Machine drives consensus instances for a replica, queuing
// out-of-context messages in a TBO queue (C5) exactly as febft's
// `Consensus<S>` composes `TBOQueue` via Deref.
type Machine struct {
	self   types.NodeId
	view   types.View
	queue  *tbo.Queue
	active *Instance
	log    types.Logger

	// evidence accumulates (seq, replica) pairs that cast more than
	// one vote for the same phase of the same instance, surfaced to
	// the synchronizer's misbehavior tracking (spec.md §7).
	evidence []VotedTwiceEvidence
}

// VotedTwiceEvidence names one detected repeated-vote incident.
type VotedTwiceEvidence struct {
	Seq    types.SeqNo
	Replica types.NodeId
	Phase  types.ConsensusPhase
}

// NewMachine starts a consensus tracker at initialSeq, for the given
// view.
func NewMachine(self types.NodeId, view types.View, initialSeq types.SeqNo, log types.Logger) *Machine {
	m := &Machine{
		self:  self,
		view:  view,
		queue: tbo.NewQueue(initialSeq),
		log:   log,
	}
	m.active = newInstance(initialSeq)
	return m
}

// SetView updates the view the machine proposes/votes under (called by
// the driver after a successful view-change).
func (m *Machine) SetView(view types.View) { m.view = view }

// Active returns the instance currently being decided.
func (m *Machine) Active() *Instance { return m.active }

// Evidence drains and returns accumulated VotedTwice incidents.
func (m *Machine) Evidence() []VotedTwiceEvidence {
	out := m.evidence
	m.evidence = nil
	return out
}

// Propose starts PrePreparing for a freshly-assembled batch. Only the
// leader of the current view may call this while the active instance
// is still in Init (spec.md §4.6 "propose"); anything else is a no-op,
// mirroring febft's guard.
func (m *Machine) Propose(batch types.Batch) (types.ConsensusMessage, bool) {
	if m.active.phase != Init {
		return types.ConsensusMessage{}, false
	}
	if !m.view.IsLeader(m.self) {
		return types.ConsensusMessage{}, false
	}
	m.active.phase = PrePreparing
	m.active.batchDigest = batch.Aggregate
	m.active.requestDigs = batch.RequestDigests()
	return types.ConsensusMessage{
		Seq:            m.active.seq,
		View:           m.view.Seq,
		Kind:           types.PrePrepare,
		BatchDigest:    batch.Aggregate,
		RequestDigests: m.active.requestDigs,
	}, true
}

// NextInstance advances to the following sequence number, draining any
// messages the TBO queue had buffered ahead of time (spec.md §4.6
// "next_instance").
func (m *Machine) NextInstance() []tbo.Pending {
	next := m.active.seq.Next()
	m.queue.Advance(next)
	m.active = newInstance(next)
	return m.queue.Drain(next)
}

// ProcessMessage feeds one consensus message through the state
// machine. Every vote the instance emits as a result - its own, plus
// any the TBO queue had buffered for this same seq under an earlier
// phase and that now get replayed (see processAndReplay) - is returned
// in order, alongside the status of the last transition reached.
func (m *Machine) ProcessMessage(from types.NodeId, msg types.ConsensusMessage) (Status, []types.ConsensusMessage, bool) {
	outs, status := m.processAndReplay(from, msg)
	return status, outs, len(outs) > 0
}

// processAndReplay feeds one message through processOne, then - if that
// advanced the active instance's phase - immediately drains and
// replays whatever the TBO queue buffered for this same seq (spec.md
// §4.6/§8 S3). Without this, a Prepare that arrives before its
// PrePrepare would sit in the queue's current-seq slot until
// NextInstance's Advance rotates that slot out of the window, losing
// the vote instead of ever counting it toward this instance's quorum.
func (m *Machine) processAndReplay(from types.NodeId, msg types.ConsensusMessage) ([]types.ConsensusMessage, Status) {
	phaseBefore := m.active.phase
	status, out, shouldSend := m.processOne(from, msg)

	var outs []types.ConsensusMessage
	if shouldSend {
		outs = append(outs, out)
	}

	if m.active.phase == phaseBefore || status == DecidedStatus {
		return outs, status
	}

	for _, p := range m.queue.Drain(m.active.seq) {
		nestedOuts, nestedStatus := m.processAndReplay(p.From, p.Msg)
		outs = append(outs, nestedOuts...)
		status = nestedStatus
		if status == DecidedStatus {
			break
		}
	}
	return outs, status
}

// processOne applies a single message against the active instance's
// current phase, exactly as ProcessMessage did before same-seq replay
// was added.
func (m *Machine) processOne(from types.NodeId, msg types.ConsensusMessage) (Status, types.ConsensusMessage, bool) {
	if msg.Seq != m.active.seq {
		m.queue.Push(from, msg)
		return Deciding, types.ConsensusMessage{}, false
	}

	switch m.active.phase {
	case Init, PrePreparing:
		if msg.Kind != types.PrePrepare {
			m.queue.Push(from, msg)
			return Deciding, types.ConsensusMessage{}, false
		}
		m.active.batchDigest = msg.BatchDigest
		m.active.requestDigs = msg.RequestDigests
		m.active.phase = Preparing

		if m.view.IsLeader(m.self) {
			// the leader doesn't vote on its own PrePrepare (spec.md
			// §4.6, mirroring febft's "leader can't vote for a
			// prepare").
			return Deciding, types.ConsensusMessage{}, false
		}
		out := types.ConsensusMessage{Seq: m.active.seq, View: m.view.Seq, Kind: types.Prepare, BatchDigest: m.active.batchDigest}
		return Deciding, out, true

	case Preparing:
		if msg.Kind != types.Prepare {
			m.queue.Push(from, msg)
			return Deciding, types.ConsensusMessage{}, false
		}
		if m.active.prepareVotes[from] {
			m.log.Warnf("replica %v voted twice in PREPARE for seq %v", from, m.active.seq)
			m.evidence = append(m.evidence, VotedTwiceEvidence{Seq: m.active.seq, Replica: from, Phase: types.Prepare})
			return VotedTwice, types.ConsensusMessage{}, false
		}
		m.active.prepareVotes[from] = true

		if len(m.active.prepareVotes) < m.view.Params.Quorum {
			return Deciding, types.ConsensusMessage{}, false
		}
		m.active.phase = Committing
		out := types.ConsensusMessage{Seq: m.active.seq, View: m.view.Seq, Kind: types.Commit, BatchDigest: m.active.batchDigest}
		return Deciding, out, true

	case Committing:
		if msg.Kind != types.Commit {
			m.queue.Push(from, msg)
			return Deciding, types.ConsensusMessage{}, false
		}
		if m.active.commitVotes[from] {
			m.log.Warnf("replica %v voted twice in COMMIT for seq %v", from, m.active.seq)
			m.evidence = append(m.evidence, VotedTwiceEvidence{Seq: m.active.seq, Replica: from, Phase: types.Commit})
			return VotedTwice, types.ConsensusMessage{}, false
		}
		m.active.commitVotes[from] = true

		if len(m.active.commitVotes) < m.view.Params.Quorum {
			return Deciding, types.ConsensusMessage{}, false
		}
		m.active.phase = Decided
		return DecidedStatus, types.ConsensusMessage{}, false

	default:
		return Deciding, types.ConsensusMessage{}, false
	}
}
