// Package driver implements the order-protocol driver (C8, spec.md
// §4.8): a single-owner poll loop alternating poll_normal/poll_sync
// over the consensus and synchronizer state machines. The phase lives
// in the synchronizer and changes only through calls the driver makes
// from its own goroutine. Grounded on
// `febft-pbft-consensus/src/bft/mod.rs`'s top-level dispatch between
// the two.
package driver

import (
	"context"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/consensus"
	"github.com/jabolina/go-pbft/pkg/pbft/core"
	"github.com/jabolina/go-pbft/pkg/pbft/synchronizer"
	"github.com/jabolina/go-pbft/pkg/pbft/timeout"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// pendingRequest tracks one in-flight client request's timeout state:
// whether it has already been forwarded to the leader once (the first
// timeout forwards, the second begins a view change, per spec.md
// §4.7/§4.9).
type pendingRequest struct {
	digest    types.ClientRequest
	forwarded bool
	timerID   uint64
}

// Driver owns the consensus and synchronizer state machines and is the
// sole mutator of the replica's phase (spec.md §4.8 "switch_phase is
// the only mutator of the phase field").
type Driver struct {
	self types.NodeId

	registry   *core.Registry
	replicaRx  <-chan core.Inbound
	clientRx   <-chan []types.ClientRequest
	loopback   <-chan core.Inbound
	timeouts   *timeout.Service

	consensus     *consensus.Machine
	synchronizer  *synchronizer.Synchronizer
	stateMachine  types.StateMachine
	stateTransfer types.StateTransfer
	durableLog    types.DurableLog
	onReply       func(types.ClientReply)
	onObserve     func(types.SeqNo, types.Digest)

	requestTimeout   time.Duration
	viewChangeLocked bool

	log types.Logger

	// cstDone receives the outcome of a state-transfer install that ran
	// off-goroutine; the Run loop is the only place that ever touches
	// consensus/synchronizer state, so the install goroutine reports
	// back here instead of mutating them directly (spec.md §5 "one
	// driver thread... is the sole mutator").
	cstDone chan cstOutcome

	pending map[types.Digest]*pendingRequest
	// requestCache holds the body of every request this replica has
	// seen (as proposer or via forwarding) but not yet executed,
	// keyed by digest. Consensus messages only ever carry digests
	// (spec.md §6), so the driver needs this to recover the actual
	// request bytes once a height decides, mirroring febft's
	// `log.has_request(&self.current)` gate in `consensus/mod.rs`.
	requestCache map[types.Digest]types.ClientRequest
}

// Config bundles the Driver's external collaborators (spec.md §1's
// "small interfaces" boundary).
type Config struct {
	Self           types.NodeId
	Registry       *core.Registry
	ReplicaInbound <-chan core.Inbound
	ClientBatches  <-chan []types.ClientRequest
	Loopback       <-chan core.Inbound
	Timeouts       *timeout.Service
	Consensus      *consensus.Machine
	Synchronizer   *synchronizer.Synchronizer
	StateMachine   types.StateMachine
	StateTransfer  types.StateTransfer
	DurableLog     types.DurableLog
	OnReply        func(types.ClientReply)
	OnObserve      func(types.SeqNo, types.Digest)
	RequestTimeout time.Duration
	Logger         types.Logger
}

// New builds a driver ready to Run.
func New(cfg Config) *Driver {
	return &Driver{
		self:           cfg.Self,
		registry:       cfg.Registry,
		replicaRx:      cfg.ReplicaInbound,
		clientRx:       cfg.ClientBatches,
		loopback:       cfg.Loopback,
		timeouts:       cfg.Timeouts,
		consensus:      cfg.Consensus,
		synchronizer:   cfg.Synchronizer,
		stateMachine:   cfg.StateMachine,
		stateTransfer:  cfg.StateTransfer,
		durableLog:     cfg.DurableLog,
		onReply:        cfg.OnReply,
		onObserve:      cfg.OnObserve,
		requestTimeout: cfg.RequestTimeout,
		log:            cfg.Logger,
		pending:        make(map[types.Digest]*pendingRequest),
		requestCache:   make(map[types.Digest]types.ClientRequest),
		cstDone:        make(chan cstOutcome, 1),
	}
}

// cstOutcome is what an off-goroutine state-transfer install reports
// back to the driver loop once it completes.
type cstOutcome struct {
	view types.View
	err  error
}

// Run is the single-owner loop (spec.md §4.8's pseudocode): it never
// returns until ctx is cancelled. Callers run it on its own goroutine
// — "one driver thread owns the consensus + synchronizer state and is
// the sole mutator" (spec.md §5).
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if d.synchronizer.Phase() != synchronizer.Normal {
			d.pollSync(ctx)
			continue
		}
		d.pollNormal(ctx)
	}
}

// pollNormal implements poll_normal: block for the next inbound event
// (spec.md §4.8). A client batch is proposed by handleClientBatch,
// which succeeds only while this replica is the idle leader.
func (d *Driver) pollNormal(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case in := <-d.loopback:
		d.dispatch(in)
	case in := <-d.replicaRx:
		d.dispatch(in)
	case batch := <-d.clientRx:
		d.handleClientBatch(batch)
	case due := <-d.timeouts.Expired():
		d.handleExpired(due)
	case out := <-d.cstDone:
		d.applyCstOutcome(out)
	}
}

// pollSync blocks only on replica/loopback traffic — the proposer is
// locked during a view change (spec.md §4.8 "locks the proposer...
// during view change"), so client batches simply accumulate upstream
// in the batcher until Normal resumes.
func (d *Driver) pollSync(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case in := <-d.loopback:
		d.dispatch(in)
	case in := <-d.replicaRx:
		d.dispatch(in)
	case due := <-d.timeouts.Expired():
		d.handleExpired(due)
	case out := <-d.cstDone:
		d.applyCstOutcome(out)
	}
}

func (d *Driver) dispatch(in core.Inbound) {
	switch in.Message.Kind {
	case types.KindConsensus:
		d.handleConsensus(in.Header.From, *in.Message.Consensus)
	case types.KindViewChange:
		d.handleViewChange(in.Header.From, *in.Message.ViewChange)
	case types.KindForwardedRequest:
		d.handleForwarded(*in.Message.ForwardedRequest)
	case types.KindStateTransfer:
		// Opaque to the core (spec.md §6); forwarded state-transfer
		// traffic has nowhere to go until a concrete StateTransfer
		// collaborator is wired in by the embedding application.
		d.log.Debugf("driver: dropping state-transfer message from %v, no collaborator wired", in.Header.From)
	default:
		d.log.Warnf("driver: unexpected message kind %v from %v", in.Message.Kind, in.Header.From)
	}
}

// tryPropose asks the batcher-fed client queue... actually proposing
// happens once a batch has been assembled by the caller via
// ProposeBatch; tryPropose only reports whether the consensus layer is
// currently willing to accept one.
func (d *Driver) tryPropose() bool {
	return d.consensus.Active().Phase() == consensus.Init && d.synchronizer.View().IsLeader(d.self)
}

// ProposeBatch is called by the embedding application (typically right
// after a batcher collection) to start a new consensus instance as
// leader.
func (d *Driver) ProposeBatch(reqs []types.ClientRequest) bool {
	if d.viewChangeLocked {
		return false
	}
	batch := types.NewBatch([][]types.ClientRequest{reqs})
	msg, ok := d.consensus.Propose(batch)
	if !ok {
		return false
	}
	d.cacheRequests(reqs)
	d.registry.Broadcast(d.synchronizer.View().Targets(), types.ConsensusEnvelope(msg))
	d.armTimeouts(reqs)
	return true
}

func (d *Driver) cacheRequests(reqs []types.ClientRequest) {
	for _, r := range reqs {
		d.requestCache[r.Digest()] = r
	}
}

func (d *Driver) handleClientBatch(batch []types.ClientRequest) {
	d.ProposeBatch(batch)
}

func (d *Driver) handleConsensus(from types.NodeId, msg types.ConsensusMessage) {
	status, outs, shouldSend := d.consensus.ProcessMessage(from, msg)
	if shouldSend {
		for _, out := range outs {
			d.registry.Broadcast(d.synchronizer.View().Targets(), types.ConsensusEnvelope(out))
		}
	}
	// A same-seq replay triggered by processAndReplay can surface a
	// VotedTwice incident partway through, even when the call's final
	// status isn't VotedTwice, so evidence is always drained rather
	// than only on that status.
	for _, ev := range d.consensus.Evidence() {
		d.synchronizer.RecordEvidence(ev.Replica, "repeated vote in "+ev.Phase.String())
	}
	if status == consensus.DecidedStatus {
		d.onDecided()
	}
}

func (d *Driver) onDecided() {
	inst := d.consensus.Active()
	d.synchronizer.RecordLastDecision(types.LastDecision{Seq: inst.SequenceNumber(), BatchDigest: inst.BatchDigest()})

	if d.onObserve != nil {
		d.onObserve(inst.SequenceNumber(), inst.BatchDigest())
	}

	// The height's request digests are what is persisted; the wire
	// digest of the PrePrepare message itself is not recorded. Persist's
	// error is ignored and Acknowledged is not consulted before execute.
	if d.durableLog != nil {
		_ = d.durableLog.Persist(inst.SequenceNumber(), inst.RequestDigests())
	}

	var toExecute []types.ClientRequest
	for _, digest := range inst.RequestDigests() {
		if p, ok := d.pending[digest]; ok {
			d.timeouts.Cancel(p.timerID)
			delete(d.pending, digest)
		}
		req, ok := d.requestCache[digest]
		if !ok {
			d.log.Warnf("driver: decided digest %v has no cached request body, skipping execution", digest)
			continue
		}
		delete(d.requestCache, digest)
		toExecute = append(toExecute, req)
	}
	d.execute(inst.SequenceNumber(), toExecute)

	queued := d.consensus.NextInstance()
	for _, p := range queued {
		d.handleConsensus(p.From, p.Msg)
	}
}

// execute hands a decided batch to the external state machine and
// routes replies back to their originating clients (spec.md §5
// "Execution ordering: the executor receives batches strictly in
// decided order"). It runs synchronously on the driver goroutine in
// this port; a production embedding with a slow state machine would
// hand this off to its own dedicated thread instead (spec.md §5
// lists "the executor" as a separate scheduling participant), which
// this module leaves to the embedding application since the executor
// itself is outside the core's scope (spec.md §1).
func (d *Driver) execute(height types.SeqNo, reqs []types.ClientRequest) {
	if len(reqs) == 0 || d.stateMachine == nil {
		return
	}
	replies, err := d.stateMachine.UpdateBatch(context.Background(), height, reqs)
	if err != nil {
		d.log.Errorf("driver: state machine execution failed at height %v: %v", height, err)
		return
	}
	if d.onReply == nil {
		return
	}
	for _, reply := range replies {
		d.onReply(reply)
	}
}

func (d *Driver) handleViewChange(from types.NodeId, msg types.ViewChangeMessage) {
	res := d.synchronizer.HandleViewChange(from, msg)
	d.applySyncResult(res)
}

func (d *Driver) applySyncResult(res synchronizer.Result) {
	switch res.Outcome {
	case synchronizer.Broadcast:
		d.registry.Broadcast(d.synchronizer.View().Targets(), types.ViewChangeEnvelope(res.Out))
		d.viewChangeLocked = true
	case synchronizer.ViewInstalled:
		// Only the view is applied; res.Continuation is not used, and
		// consensus keeps its current sequence number.
		d.viewChangeLocked = false
		d.consensus.SetView(res.View)
		d.synchronizer.ResetBackoff()
	case synchronizer.RunCst:
		d.viewChangeLocked = true
		d.runStateTransfer(res)
	}
}

// runStateTransfer hands off to the external StateTransfer collaborator
// once a SYNC proof shows this replica is behind (spec.md §4.8
// "RunCst"); consensus stays paused until Install returns (spec.md
// §7). Install runs on its own goroutine since it may block on
// external I/O, but it never touches consensus/synchronizer state
// itself — it reports back on cstDone, which only the driver's own
// Run loop reads, preserving "one driver thread... is the sole
// mutator" (spec.md §5).
func (d *Driver) runStateTransfer(res synchronizer.Result) {
	if d.stateTransfer == nil {
		d.log.Errorf("driver: RunCst requested but no state-transfer collaborator wired")
		return
	}
	go func() {
		_, err := d.stateTransfer.Install(context.Background(), nil)
		d.cstDone <- cstOutcome{view: res.View, err: err}
	}()
}

// applyCstOutcome runs on the driver goroutine once a state-transfer
// install reported back, resuming Normal processing under the new
// view.
func (d *Driver) applyCstOutcome(out cstOutcome) {
	if out.err != nil {
		d.log.Errorf("driver: state transfer install failed: %v", out.err)
		return
	}
	d.log.Infof("driver: state transfer installed, resuming at view %v", out.view.Seq)
	d.viewChangeLocked = false
	d.consensus.SetView(out.view)
	d.synchronizer.ResetBackoff()
}

func (d *Driver) handleForwarded(fwd types.ForwardedRequest) {
	digest := fwd.Inner.Digest()
	if d.synchronizer.DeduplicateForward(digest) {
		return
	}
	d.requestCache[digest] = fwd.Inner
	d.ProposeBatch([]types.ClientRequest{fwd.Inner})
}

func (d *Driver) armTimeouts(reqs []types.ClientRequest) {
	if d.requestTimeout <= 0 {
		return
	}
	for _, r := range reqs {
		digest := r.Digest()
		if _, exists := d.pending[digest]; exists {
			continue
		}
		id := d.timeouts.Schedule(timeout.KindRequest, time.Now().Add(d.requestTimeout), digest)
		d.pending[digest] = &pendingRequest{digest: r, timerID: id}
	}
}

func (d *Driver) handleExpired(entries []*timeout.Entry) {
	var requestsSeen []types.Digest
	beginChange := false

	for _, e := range entries {
		if e.Kind != timeout.KindRequest {
			continue
		}
		digest, ok := e.Info.(types.Digest)
		if !ok {
			continue
		}
		p, ok := d.pending[digest]
		if !ok {
			continue
		}
		requestsSeen = append(requestsSeen, digest)
		if !p.forwarded {
			p.forwarded = true
			d.forwardToLeader(p.digest)
			// re-arm for the second (view-change-triggering) timeout.
			p.timerID = d.timeouts.Schedule(timeout.KindRequest, time.Now().Add(d.requestTimeout), digest)
			continue
		}
		beginChange = true
	}

	if beginChange {
		res := d.synchronizer.BeginViewChange(requestsSeen)
		d.applySyncResult(res)
	}
}

func (d *Driver) forwardToLeader(req types.ClientRequest) {
	leader := d.synchronizer.View().Primary
	_ = d.registry.Send(leader, types.ForwardedRequestEnvelope(types.ForwardedRequest{Inner: req}))
}

