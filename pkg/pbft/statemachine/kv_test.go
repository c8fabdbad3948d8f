package statemachine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jabolina/go-pbft/pkg/pbft/storage"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

func newTestMachine(t *testing.T) *KVStateMachine {
	kv, err := storage.OpenKV(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewKVStateMachine(kv)
}

func TestKVStateMachine_SetThenGet(t *testing.T) {
	m := newTestMachine(t)

	replies, err := m.UpdateBatch(context.Background(), 1, []types.ClientRequest{
		{Session: 1, OpID: 1, Operation: []byte("SET a 1")},
		{Session: 1, OpID: 2, Operation: []byte("GET a")},
	})
	if err != nil {
		t.Fatalf("update batch: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	if string(replies[0].Reply) != "OK" {
		t.Fatalf("expected SET to reply OK, got %q", replies[0].Reply)
	}
	if string(replies[1].Reply) != "1" {
		t.Fatalf("expected GET to return 1, got %q", replies[1].Reply)
	}
}

func TestKVStateMachine_UnknownCommandRepliesWithError(t *testing.T) {
	m := newTestMachine(t)

	replies, err := m.UpdateBatch(context.Background(), 1, []types.ClientRequest{
		{Session: 1, OpID: 1, Operation: []byte("DELETE a")},
	})
	if err != nil {
		t.Fatalf("update batch should not itself error: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if string(replies[0].Reply) == "OK" {
		t.Fatal("expected an unknown command to not reply OK")
	}
}

func TestKVStateMachine_SnapshotInstallRoundTrip(t *testing.T) {
	src := newTestMachine(t)
	src.UpdateBatch(context.Background(), 1, []types.ClientRequest{
		{Session: 1, OpID: 1, Operation: []byte("SET a 1")},
		{Session: 1, OpID: 2, Operation: []byte("SET b 2")},
	})

	snap, err := src.Snapshot(context.Background(), 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	dst := newTestMachine(t)
	if _, err := dst.Install(context.Background(), snap); err != nil {
		t.Fatalf("install: %v", err)
	}

	replies, err := dst.UpdateBatch(context.Background(), 2, []types.ClientRequest{
		{Session: 1, OpID: 3, Operation: []byte("GET a")},
		{Session: 1, OpID: 4, Operation: []byte("GET b")},
	})
	if err != nil {
		t.Fatalf("update batch: %v", err)
	}
	if string(replies[0].Reply) != "1" || string(replies[1].Reply) != "2" {
		t.Fatalf("expected installed snapshot values, got %+v", replies)
	}
}
