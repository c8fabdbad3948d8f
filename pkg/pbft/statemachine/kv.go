// Package statemachine provides the sample types.StateMachine wired
// into cmd/replica: a tiny key-value store backed by storage.KV, giving
// the `db_path` configuration option (spec.md §6) something concrete
// to drive. The core itself is agnostic to what a StateMachine does
// (spec.md §1), so this is demonstration code, not a core component.
package statemachine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jabolina/go-pbft/pkg/pbft/storage"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// KVStateMachine applies a tiny textual command language over a
// bbolt-backed key-value store: `SET key value` and `GET key`,
// space-separated, operating on whatever bytes the client submitted as
// ClientRequest.Operation.
type KVStateMachine struct {
	store *storage.KV
}

// NewKVStateMachine wraps an already-opened KV store.
func NewKVStateMachine(store *storage.KV) *KVStateMachine {
	return &KVStateMachine{store: store}
}

// UpdateBatch applies every request in the decided batch, in order,
// mirroring spec.md §3's "deterministic application of a totally
// ordered sequence" down at the application layer.
func (m *KVStateMachine) UpdateBatch(_ context.Context, _ types.SeqNo, requests []types.ClientRequest) ([]types.ClientReply, error) {
	replies := make([]types.ClientReply, 0, len(requests))
	for _, req := range requests {
		reply, err := m.apply(req)
		if err != nil {
			reply = types.ClientReply{Session: req.Session, OpID: req.OpID, Reply: []byte(err.Error())}
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

func (m *KVStateMachine) apply(req types.ClientRequest) (types.ClientReply, error) {
	fields := bytes.SplitN(bytes.TrimSpace(req.Operation), []byte(" "), 3)
	if len(fields) == 0 {
		return types.ClientReply{}, types.ErrCommandUnknown
	}
	switch string(fields[0]) {
	case "SET":
		if len(fields) != 3 {
			return types.ClientReply{}, fmt.Errorf("%w: SET requires key and value", types.ErrCommandUnknown)
		}
		if err := m.store.Set(fields[1], fields[2]); err != nil {
			return types.ClientReply{}, err
		}
		return types.ClientReply{Session: req.Session, OpID: req.OpID, Reply: []byte("OK")}, nil
	case "GET":
		if len(fields) != 2 {
			return types.ClientReply{}, fmt.Errorf("%w: GET requires a key", types.ErrCommandUnknown)
		}
		value, err := m.store.Get(fields[1])
		if err != nil {
			return types.ClientReply{}, err
		}
		return types.ClientReply{Session: req.Session, OpID: req.OpID, Reply: value}, nil
	default:
		return types.ClientReply{}, types.ErrCommandUnknown
	}
}

// Snapshot implements types.StateTransfer: it dumps the whole key-value
// map as JSON, handed to a lagging replica's Install call.
func (m *KVStateMachine) Snapshot(_ context.Context, _ types.SeqNo) ([]byte, error) {
	state, err := m.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(state)
}

// Install writes every key of a received snapshot into the local
// store (keys absent from the snapshot are left as they are),
// implementing types.StateTransfer for the driver's RunCst hand-off
// (spec.md §7: "consensus is paused until install_state returns").
func (m *KVStateMachine) Install(_ context.Context, snapshot []byte) (types.SeqNo, error) {
	var state map[string][]byte
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return 0, err
	}
	for k, v := range state {
		if err := m.store.Set([]byte(k), v); err != nil {
			return 0, err
		}
	}
	return 0, nil
}
