package storage

import (
	"path/filepath"
	"testing"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

func TestKV_SetGetRoundTrip(t *testing.T) {
	kv, err := OpenKV(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()

	if err := kv.Set([]byte("alphabet"), []byte("Z")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := kv.Get([]byte("alphabet"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "Z" {
		t.Fatalf("expected Z, got %q", v)
	}
}

func TestKV_GetMissingKeyReturnsNil(t *testing.T) {
	kv, err := OpenKV(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()

	v, err := kv.Get([]byte("missing"))
	if err != nil || v != nil {
		t.Fatalf("expected (nil, nil) for a missing key, got (%v, %v)", v, err)
	}
}

func TestKV_Snapshot(t *testing.T) {
	kv, err := OpenKV(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()

	kv.Set([]byte("a"), []byte("1"))
	kv.Set([]byte("b"), []byte("2"))

	snap, err := kv.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if string(snap["a"]) != "1" || string(snap["b"]) != "2" || len(snap) != 2 {
		t.Fatalf("unexpected snapshot contents: %+v", snap)
	}
}

func TestKV_ReopenPersistsAcrossClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	kv, err := OpenKV(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	kv.Set([]byte("k"), []byte("v"))
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenKV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v, err := reopened.Get([]byte("k"))
	if err != nil || string(v) != "v" {
		t.Fatalf("expected persisted value v, got (%v, %v)", v, err)
	}
}

func TestLog_PersistAcknowledgedHeights(t *testing.T) {
	log, err := OpenLog(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	d1 := types.Sum([]byte("one"))
	d2 := types.Sum([]byte("two"))
	if err := log.Persist(1, []types.Digest{d1}); err != nil {
		t.Fatalf("persist 1: %v", err)
	}
	if err := log.Persist(2, []types.Digest{d2}); err != nil {
		t.Fatalf("persist 2: %v", err)
	}

	heights, err := log.Heights()
	if err != nil {
		t.Fatalf("heights: %v", err)
	}
	if len(heights) != 2 || heights[0] != 1 || heights[1] != 2 {
		t.Fatalf("expected ascending heights [1 2], got %v", heights)
	}

	ack := log.Acknowledged([]types.Digest{d1, d2, types.Sum([]byte("unknown"))})
	if !ack[d1] || !ack[d2] {
		t.Fatalf("expected both persisted digests acknowledged, got %+v", ack)
	}
	if ack[types.Sum([]byte("unknown"))] {
		t.Fatal("expected an unpersisted digest to not be acknowledged")
	}
}
