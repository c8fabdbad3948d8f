// Package synchronizer implements the view-change state machine (C7,
// spec.md §4.7): Normal -> ViewChanging(target) -> SyncData(target) ->
// Normal, driven by STOP/STOPDATA/SYNC messages. No direct Rust
// view-change source was retrieved in original_source, so behavior
// follows spec.md literally, cross-checked against
// `febft-pbft-consensus/src/bft/mod.rs`'s top-level dispatch between
// consensus and synchronization phases.
package synchronizer

import (
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// Phase is the synchronizer's current state.
type Phase int

const (
	Normal Phase = iota
	ViewChanging
	SyncData
)

func (p Phase) String() string {
	switch p {
	case Normal:
		return "normal"
	case ViewChanging:
		return "view-changing"
	case SyncData:
		return "sync-data"
	default:
		return "unknown"
	}
}

// Outcome reports what the driver should do after feeding a message or
// timeout into the synchronizer.
type Outcome int

const (
	// Continue means nothing actionable happened yet.
	Continue Outcome = iota
	// Forward means the synchronizer wants a request retransmitted to
	// the current leader (first timeout).
	Forward
	// Broadcast means out (set on the Result) must be sent to every
	// replica.
	Broadcast
	// ViewInstalled means a new view was installed; Result.View holds
	// it, and Result.Continuation carries the SYNC proof's continuation
	// (nil if none).
	ViewInstalled
	// RunCst means the installed view's continuation is ahead of this
	// replica's own decision history, so it must fetch state before
	// resuming (spec.md §4.8 "RunCst").
	RunCst
)

// Result carries whatever payload an Outcome implies.
type Result struct {
	Outcome      Outcome
	Out          types.ViewChangeMessage
	View         types.View
	Continuation *types.LastDecision
}

// maxViewChangeTimeout caps the exponential back-off implementing
// spec.md §4.7's "Liveness features: exponential back-off on
// successive view changes"; the base itself is supplied by the caller
// (spec.md §6 `view_change_timeout`).
const maxViewChangeTimeout = 64 * time.Second

// Misbehavior accumulates evidence forwarded from the consensus layer
// (spec.md §7, "may feed into misbehavior evidence") — recorded but
// never acted upon automatically, since response policy is left to an
// operator/observer.
type Misbehavior struct {
	Replica types.NodeId
	Detail  string
}

// Synchronizer tracks one replica's view-change state.
type Synchronizer struct {
	self         types.NodeId
	view         types.View
	log          types.Logger
	baseTimeout  time.Duration

	phase      Phase
	target     types.SeqNo
	stops      map[types.NodeId][]types.Digest
	stopDatas  map[types.NodeId]*types.LastDecision

	forwardedSeen map[types.Digest]bool
	lastDecision  *types.LastDecision

	failedAttempts int
	misbehavior    []Misbehavior
}

// NewSynchronizer starts a synchronizer bound to the replica's initial
// view. baseTimeout seeds the exponential view-change back-off
// (spec.md §6 `view_change_timeout`); a non-positive value falls back
// to 2s.
func NewSynchronizer(self types.NodeId, view types.View, baseTimeout time.Duration, log types.Logger) *Synchronizer {
	if baseTimeout <= 0 {
		baseTimeout = 2 * time.Second
	}
	return &Synchronizer{
		self:          self,
		view:          view,
		log:           log,
		baseTimeout:   baseTimeout,
		phase:         Normal,
		stops:         make(map[types.NodeId][]types.Digest),
		stopDatas:     make(map[types.NodeId]*types.LastDecision),
		forwardedSeen: make(map[types.Digest]bool),
	}
}

// Phase returns the current state.
func (s *Synchronizer) Phase() Phase { return s.phase }

// View returns the currently-installed view.
func (s *Synchronizer) View() types.View { return s.view }

// ViewChangeTimeout returns the current back-off timeout to arm for
// the next view-change attempt.
func (s *Synchronizer) ViewChangeTimeout() time.Duration {
	d := s.baseTimeout
	for i := 0; i < s.failedAttempts; i++ {
		d *= 2
		if d >= maxViewChangeTimeout {
			return maxViewChangeTimeout
		}
	}
	return d
}

// RecordLastDecision updates what this replica would report in its own
// STOPDATA, called by the driver every time consensus commits.
func (s *Synchronizer) RecordLastDecision(d types.LastDecision) { s.lastDecision = &d }

// RecordEvidence stores a VotedTwice-style misbehavior report from the
// consensus layer (spec.md §7).
func (s *Synchronizer) RecordEvidence(replica types.NodeId, detail string) {
	s.misbehavior = append(s.misbehavior, Misbehavior{Replica: replica, Detail: detail})
}

// Misbehavior drains accumulated evidence.
func (s *Synchronizer) Misbehavior() []Misbehavior {
	out := s.misbehavior
	s.misbehavior = nil
	return out
}

// Forward is called on a first request timeout: Normal phase,
// retransmit to the leader (spec.md §4.7 "forward").
func (s *Synchronizer) Forward() Result {
	if s.phase != Normal {
		return Result{Outcome: Continue}
	}
	return Result{Outcome: Forward}
}

// BeginViewChange is called on a second timeout for the same request:
// broadcasts STOP(requests_seen) and moves to ViewChanging (spec.md
// §4.7 "begin_view_change").
func (s *Synchronizer) BeginViewChange(requestsSeen []types.Digest) Result {
	if s.phase != Normal {
		return Result{Outcome: Continue}
	}
	s.phase = ViewChanging
	s.target = s.view.Seq.Next()
	s.stops = map[types.NodeId][]types.Digest{s.self: requestsSeen}
	return Result{
		Outcome: Broadcast,
		Out:     types.ViewChangeMessage{Kind: types.Stop, Requests: requestsSeen},
	}
}

// HandleViewChange feeds one incoming STOP/STOPDATA/SYNC message
// through the state machine.
func (s *Synchronizer) HandleViewChange(from types.NodeId, msg types.ViewChangeMessage) Result {
	switch msg.Kind {
	case types.Stop:
		return s.handleStop(from, msg)
	case types.StopData:
		return s.handleStopData(from, msg)
	case types.Sync:
		return s.handleSync(from, msg)
	default:
		return Result{Outcome: Continue}
	}
}

func (s *Synchronizer) handleStop(from types.NodeId, msg types.ViewChangeMessage) Result {
	if s.phase == Normal {
		// A peer is further along than us: join the view change.
		s.phase = ViewChanging
		s.target = s.view.Seq.Next()
		s.stops = make(map[types.NodeId][]types.Digest)
	}
	if s.phase != ViewChanging {
		return Result{Outcome: Continue}
	}
	s.stops[from] = msg.Requests

	if len(s.stops) < s.view.Params.Quorum {
		return Result{Outcome: Continue}
	}

	s.phase = SyncData
	s.stopDatas = make(map[types.NodeId]*types.LastDecision)
	var ld *types.LastDecision
	if s.lastDecision != nil {
		c := *s.lastDecision
		ld = &c
	}
	return Result{
		Outcome: Broadcast,
		Out:     types.ViewChangeMessage{Kind: types.StopData, LastDecision: ld},
	}
}

func (s *Synchronizer) handleStopData(from types.NodeId, msg types.ViewChangeMessage) Result {
	if s.phase != SyncData {
		return Result{Outcome: Continue}
	}
	s.stopDatas[from] = msg.LastDecision

	newPrimary := s.targetPrimary()
	if s.self != newPrimary {
		return Result{Outcome: Continue}
	}
	if len(s.stopDatas) < s.view.Params.Quorum {
		return Result{Outcome: Continue}
	}

	// The target primary synthesizes SYNC from the highest-sequence
	// STOPDATA it collected: at least one honest replica reported the
	// true last decision, so taking the max is always safe (spec.md
	// §4.7 "at least one honest STOPDATA implies safety").
	var best *types.LastDecision
	var quorum []types.NodeId
	for id, ld := range s.stopDatas {
		quorum = append(quorum, id)
		if ld == nil {
			continue
		}
		if best == nil || ld.Seq > best.Seq {
			best = ld
		}
	}

	proof := types.NewViewProof{TargetView: s.target, Continuation: best, StopDataQuorum: quorum}
	return Result{
		Outcome: Broadcast,
		Out:     types.ViewChangeMessage{Kind: types.Sync, Proof: &proof},
	}
}

func (s *Synchronizer) handleSync(_ types.NodeId, msg types.ViewChangeMessage) Result {
	if s.phase != SyncData && s.phase != ViewChanging {
		return Result{Outcome: Continue}
	}
	if msg.Proof == nil || msg.Proof.TargetView != s.target {
		return Result{Outcome: Continue}
	}

	newView := types.NewSingleLeaderView(s.target, s.view.Params)
	s.installView(newView)

	if msg.Proof.Continuation != nil && (s.lastDecision == nil || msg.Proof.Continuation.Seq > s.lastDecision.Seq) {
		return Result{Outcome: RunCst, View: newView, Continuation: msg.Proof.Continuation}
	}
	return Result{Outcome: ViewInstalled, View: newView, Continuation: msg.Proof.Continuation}
}

// installView resets the synchronizer to Normal under the new view and
// records a failed attempt for the back-off clock.
func (s *Synchronizer) installView(v types.View) {
	s.log.Infof("replica %v installing view %v, primary %v", s.self, v.Seq, v.Primary)
	s.view = v
	s.phase = Normal
	s.stops = make(map[types.NodeId][]types.Digest)
	s.stopDatas = make(map[types.NodeId]*types.LastDecision)
	s.failedAttempts++
}

// targetPrimary computes the leader of the target view under
// round-robin single-leader assignment (spec.md §4.7's SyncData only
// ever names one recipient for SYNC in the base protocol; multi-leader
// hash-space partitioning is still carried on View itself for the
// consensus layer).
func (s *Synchronizer) targetPrimary() types.NodeId {
	return types.NodeId(int(s.target) % s.view.Params.N)
}

// DeduplicateForward reports whether a forwarded request digest has
// been forwarded to this replica before, and records it on first
// sighting (spec.md §4.7 "Forwarded-request deduplication"). It does
// not consult which requests have been decided: every repeat is
// reported as a duplicate, decided or not.
func (s *Synchronizer) DeduplicateForward(digest types.Digest) bool {
	if s.forwardedSeen[digest] {
		return true
	}
	s.forwardedSeen[digest] = true
	return false
}

// ResetBackoff clears the exponential back-off counter, called once a
// view-change completes and consensus makes forward progress again.
func (s *Synchronizer) ResetBackoff() { s.failedAttempts = 0 }
