package types

import "context"

// StateMachine is the external, user-defined application the core
// drives (spec.md §1: "out of scope... specified only by the
// interface the core uses"). It accepts batches of ordered requests
// and returns one reply per request, generalizing the teacher's
// `types.StateMachine` (pkg/mcast/types/state_machine.go) from a
// single-command `Commit` to a whole decided batch.
type StateMachine interface {
	// UpdateBatch applies every request in a decided batch, in order,
	// and returns one reply per request, also in order.
	UpdateBatch(ctx context.Context, height SeqNo, requests []ClientRequest) ([]ClientReply, error)
}

// StateTransfer is the external state-transfer collaborator (spec.md
// §1, §7 "RunCst"). The core only ever calls Snapshot (to produce a
// checkpoint) and Install (to catch a lagging replica up); the
// transfer protocol itself lives outside the core.
type StateTransfer interface {
	// Snapshot is invoked at a checkpoint height; the returned opaque
	// blob is handed to peers that request state transfer.
	Snapshot(ctx context.Context, height SeqNo) ([]byte, error)
	// Install applies a received snapshot and reports the height it
	// now reflects. Consensus is paused (spec.md §7) from the moment
	// the driver observes RunCst until Install returns.
	Install(ctx context.Context, snapshot []byte) (SeqNo, error)
}

// Storage is a small key/value interface used by the sample
// StateMachine implementation to persist application state, generalizing
// the teacher's `types.Storage` (pkg/mcast/types/storage.go). This is
// distinct from, and sits above, the persistent log backing store named
// in spec.md §1 ("The persistent log backing store... specified only by
// the interface the core uses"): that one is reached through the
// DurableLog interface below, not this one.
type Storage interface {
	Set(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Snapshot() (map[string][]byte, error)
	Close() error
}

// DurableLog is the contract spec.md §6 describes under "Persisted
// state layout". For each decided height the driver calls Persist with
// that height's request digests just before executing it; it does not
// wait on Acknowledged, so a Persist that returns before the write is
// durable does not hold execution back.
type DurableLog interface {
	// Persist is asked to make the given wire digests durable. It may
	// return before the write completes; Acknowledged reports which
	// digests are confirmed so far.
	Persist(height SeqNo, digests []Digest) error
	// Acknowledged reports which of the given digests have been
	// confirmed durable.
	Acknowledged(digests []Digest) map[Digest]bool
}
