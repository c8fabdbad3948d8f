package driver

import (
	"context"
	"testing"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/consensus"
	"github.com/jabolina/go-pbft/pkg/pbft/core"
	"github.com/jabolina/go-pbft/pkg/pbft/synchronizer"
	"github.com/jabolina/go-pbft/pkg/pbft/timeout"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
	"github.com/jabolina/go-pbft/pkg/pbft/wire"
)

// echoMachine is a minimal types.StateMachine stub that echoes each
// request's operation back as the reply.
type echoMachine struct {
	executed [][]types.ClientRequest
}

func (m *echoMachine) UpdateBatch(_ context.Context, height types.SeqNo, reqs []types.ClientRequest) ([]types.ClientReply, error) {
	m.executed = append(m.executed, reqs)
	out := make([]types.ClientReply, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, types.ClientReply{Session: r.Session, OpID: r.OpID, Reply: r.Operation})
	}
	return out, nil
}

// newLeaderDriver builds node 0's driver under a 4-replica, f=1 view
// where node 0 is the leader. Peers 1-3 never run their own driver;
// their votes are injected directly via dispatch, exactly as if they
// had arrived over the wire.
func newLeaderDriver(t *testing.T) (*Driver, *echoMachine, chan types.ClientReply) {
	params, err := types.NewParams(4, 1)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	view := types.NewSingleLeaderView(0, params)

	registry := core.NewRegistry(0, 4, 1, "", nil, nil, types.TLSHandles{}, types.NewNopLogger())
	machine := &echoMachine{}
	replies := make(chan types.ClientReply, 8)
	timeouts := timeout.NewService(types.NewNopLogger())
	t.Cleanup(timeouts.Stop)
	t.Cleanup(registry.Shutdown)

	d := New(Config{
		Self:           0,
		Registry:       registry,
		ReplicaInbound: registry.ReplicaInbound(),
		ClientBatches:  make(chan []types.ClientRequest),
		Loopback:       registry.Loopback(),
		Timeouts:       timeouts,
		Consensus:      consensus.NewMachine(0, view, 0, types.NewNopLogger()),
		Synchronizer:   synchronizer.NewSynchronizer(0, view, time.Second, types.NewNopLogger()),
		StateMachine:   machine,
		OnReply:        func(r types.ClientReply) { replies <- r },
		RequestTimeout: 0,
		Logger:         types.NewNopLogger(),
	})
	return d, machine, replies
}

// drainLoopback dispatches every loopback message the leader generated
// while reacting to its own broadcasts (its own PrePrepare, and its own
// Commit vote once Preparing reaches quorum).
func drainLoopback(t *testing.T, d *Driver) {
	t.Helper()
	for {
		select {
		case in := <-d.loopback:
			d.dispatch(in)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func injectVote(d *Driver, from types.NodeId, seq types.SeqNo, view types.SeqNo, kind types.ConsensusPhase, digest types.Digest) {
	d.dispatch(core.Inbound{
		Header:  wire.Header{From: from, To: d.self},
		Message: types.ConsensusEnvelope(types.ConsensusMessage{Seq: seq, View: view, Kind: kind, BatchDigest: digest}),
	})
}

// Drives a full PrePrepare/Prepare/Commit round: the leader proposes,
// observes its own PrePrepare via loopback, peers 1-3's Prepare votes
// are injected to reach the 2f+1=3 prepare quorum, and peers 1-2's
// Commit votes plus the leader's own looped-back Commit reach it again.
func TestDriver_ProposeBatchDecidesAndExecutes(t *testing.T) {
	d, machine, replies := newLeaderDriver(t)

	req := types.ClientRequest{Session: 1, OpID: 1, Operation: []byte("SET a 1")}
	if !d.ProposeBatch([]types.ClientRequest{req}) {
		t.Fatal("expected the leader to successfully propose")
	}
	drainLoopback(t, d) // leader observes its own PrePrepare, advances to Preparing.

	if d.consensus.Active().Phase() != consensus.Preparing {
		t.Fatalf("expected Preparing after the leader's own PrePrepare loopback, got %v", d.consensus.Active().Phase())
	}
	digest := d.consensus.Active().BatchDigest()

	for _, peer := range []types.NodeId{1, 2, 3} {
		injectVote(d, peer, 0, 0, types.Prepare, digest)
	}
	drainLoopback(t, d) // quorum reached: leader emits and self-delivers its Commit vote.

	for _, peer := range []types.NodeId{1, 2} {
		injectVote(d, peer, 0, 0, types.Commit, digest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(machine.executed) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for the instance to decide, phase=%v", d.consensus.Active().Phase())
		default:
		}
	}

	if len(machine.executed) != 1 || len(machine.executed[0]) != 1 {
		t.Fatalf("expected exactly one executed batch of one request, got %+v", machine.executed)
	}

	select {
	case reply := <-replies:
		if reply.Session != 1 || reply.OpID != 1 || string(reply.Reply) != "SET a 1" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
	default:
		t.Fatal("expected a reply to have been delivered via OnReply")
	}
}

func TestDriver_ArmTimeoutsForwardsThenBeginsViewChange(t *testing.T) {
	d, _, _ := newLeaderDriver(t)
	d.requestTimeout = 10 * time.Millisecond

	req := types.ClientRequest{Session: 2, OpID: 1, Operation: []byte("GET a")}
	digest := req.Digest()
	d.pending[digest] = &pendingRequest{digest: req}
	d.armTimeouts([]types.ClientRequest{req})

	entry := &timeout.Entry{Kind: timeout.KindRequest, Info: digest}
	d.handleExpired([]*timeout.Entry{entry})
	if !d.pending[digest].forwarded {
		t.Fatal("expected the first expiry to mark the request forwarded")
	}

	d.handleExpired([]*timeout.Entry{entry})
	if d.synchronizer.Phase() != synchronizer.ViewChanging {
		t.Fatalf("expected the second expiry to begin a view change, phase=%v", d.synchronizer.Phase())
	}
}

func TestDriver_HandleForwardedDeduplicates(t *testing.T) {
	d, machine, _ := newLeaderDriver(t)

	req := types.ClientRequest{Session: 3, OpID: 1, Operation: []byte("SET b 2")}
	fwd := types.ForwardedRequest{Inner: req}

	d.handleForwarded(fwd)
	drainLoopback(t, d)
	digest := d.consensus.Active().BatchDigest()
	for _, peer := range []types.NodeId{1, 2, 3} {
		injectVote(d, peer, 0, 0, types.Prepare, digest)
	}
	drainLoopback(t, d)
	for _, peer := range []types.NodeId{1, 2} {
		injectVote(d, peer, 0, 0, types.Commit, digest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(machine.executed) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for the forwarded request to be proposed and decided")
		default:
		}
	}

	before := len(machine.executed)
	d.handleForwarded(fwd)
	if len(machine.executed) != before {
		t.Fatal("expected a duplicate forwarded request to be dropped, not re-proposed")
	}
}
