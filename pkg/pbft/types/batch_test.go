package types

import "testing"

func TestNewBatch_SingleLeaderAggregatesRequestDigests(t *testing.T) {
	reqs := []ClientRequest{
		{Session: 1, OpID: 1, Operation: []byte("SET a 1")},
		{Session: 1, OpID: 2, Operation: []byte("SET b 2")},
	}
	batch := NewBatch([][]ClientRequest{reqs})

	if len(batch.Requests) != 2 {
		t.Fatalf("expected 2 requests in the flattened batch, got %d", len(batch.Requests))
	}
	if len(batch.SubBatchDigests) != 1 {
		t.Fatalf("expected 1 sub-batch digest for a single-leader batch, got %d", len(batch.SubBatchDigests))
	}
	if batch.Aggregate == (Digest{}) {
		t.Fatal("expected a non-zero aggregate digest")
	}

	digests := batch.RequestDigests()
	if len(digests) != 2 || digests[0] != reqs[0].Digest() || digests[1] != reqs[1].Digest() {
		t.Fatalf("unexpected request digests: %+v", digests)
	}
}

func TestNewBatch_MultiLeaderChainsSubBatches(t *testing.T) {
	leaderA := []ClientRequest{{Session: 1, OpID: 1, Operation: []byte("x")}}
	leaderB := []ClientRequest{{Session: 2, OpID: 1, Operation: []byte("y")}}

	combined := NewBatch([][]ClientRequest{leaderA, leaderB})
	soloA := NewBatch([][]ClientRequest{leaderA})

	if combined.Aggregate == soloA.Aggregate {
		t.Fatal("expected a multi-leader aggregate to differ from a single sub-batch's aggregate")
	}
	if len(combined.SubBatchDigests) != 2 {
		t.Fatalf("expected 2 sub-batch digests, got %d", len(combined.SubBatchDigests))
	}
}

func TestDecidingLogEntry_AssemblesOnceEveryLeaderContributes(t *testing.T) {
	entry := NewDecidingLogEntry(5, []NodeId{0, 1})

	req0 := ClientRequest{Session: 1, OpID: 1, Operation: []byte("a")}
	req1 := ClientRequest{Session: 2, OpID: 1, Operation: []byte("b")}

	pp0 := ConsensusMessage{Seq: 5, Kind: PrePrepare, BatchDigest: Sum([]byte("batch0")), RequestDigests: []Digest{req0.Digest()}}
	pp1 := ConsensusMessage{Seq: 5, Kind: PrePrepare, BatchDigest: Sum([]byte("batch1")), RequestDigests: []Digest{req1.Digest()}}

	if done := entry.AddPrePrepare(0, Sum([]byte("wire0")), pp0); done {
		t.Fatal("expected the entry to stay unassembled after only one leader's slot fills")
	}
	if entry.Assembled {
		t.Fatal("expected Assembled to remain false with a leader slot still empty")
	}

	if done := entry.AddPrePrepare(1, Sum([]byte("wire1")), pp1); !done {
		t.Fatal("expected the entry to assemble once both leader slots are filled")
	}
	if !entry.Assembled {
		t.Fatal("expected Assembled to be true")
	}
	if len(entry.RequestDigests) != 2 {
		t.Fatalf("expected 2 request digests in the assembled batch, got %d", len(entry.RequestDigests))
	}
	if len(entry.DurableSet()) != 2 {
		t.Fatalf("expected 2 durable wire digests tracked, got %d", len(entry.DurableSet()))
	}
}

func TestDecidingLogEntry_DuplicateLeaderContributionIgnored(t *testing.T) {
	entry := NewDecidingLogEntry(1, []NodeId{0, 1})
	pp := ConsensusMessage{Seq: 1, Kind: PrePrepare, BatchDigest: Sum([]byte("batch"))}

	entry.AddPrePrepare(0, Sum([]byte("wire")), pp)
	if done := entry.AddPrePrepare(0, Sum([]byte("wire-again")), pp); done {
		t.Fatal("expected a duplicate leader contribution to not trigger assembly")
	}
	if len(entry.ReceivedLeaders) != 1 {
		t.Fatalf("expected only 1 distinct leader recorded, got %d", len(entry.ReceivedLeaders))
	}
}
