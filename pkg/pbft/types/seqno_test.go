package types

import (
	"math"
	"testing"
)

func TestSeqNo_NextWrapsAtMaxInt32(t *testing.T) {
	if SeqNo(math.MaxInt32).Next() != 0 {
		t.Fatal("expected Next to wrap back to 0 at the int32 boundary")
	}
	if SeqNo(5).Next() != 6 {
		t.Fatal("expected a normal Next to increment by 1")
	}
}

func TestSeqNo_IndexStaleIsRejected(t *testing.T) {
	if _, ok := SeqNo(3).Index(10); ok {
		t.Fatal("expected a sequence number behind base to be rejected as stale")
	}
}

func TestSeqNo_IndexWithinWindow(t *testing.T) {
	idx, ok := SeqNo(15).Index(10)
	if !ok || idx != 5 {
		t.Fatalf("expected index 5 within window, got (%d, %v)", idx, ok)
	}
}

func TestSeqNo_IndexBeyondDropThresholdRejected(t *testing.T) {
	if _, ok := SeqNo(10 + DropSeqNoThreshold + 1).Index(10); ok {
		t.Fatal("expected a sequence number past the drop threshold to be rejected")
	}
}
