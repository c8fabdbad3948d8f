package types

import "math"

// SeqNo is a wrap-safe signed 32-bit consensus height, matching
// spec.md §3 ("Sequence number"). It is ported from febft's
// `src/bft/consensus/mod.rs` SeqNo type.
type SeqNo int32

// Next returns the following sequence number, wrapping back to zero on
// overflow rather than going negative.
func (s SeqNo) Next() SeqNo {
	if s == math.MaxInt32 {
		return 0
	}
	return s + 1
}

// index thresholds, ported verbatim from febft's SeqNo::index. The
// high-water mark, DropSeqNoThreshold below, is derived from
// CheckpointPeriod as 1.5x the period.
const (
	overflowThresPos = 10000
	overflowThresNeg = -overflowThresPos
	// DropSeqNoThreshold is the high-water mark beyond which a message
	// is discarded as stale-and-adversarial rather than buffered. It
	// mirrors `history::PERIOD + (history::PERIOD >> 1)`: roughly 1.5x
	// the checkpoint period described in spec.md §3.
	DropSeqNoThreshold = CheckpointPeriod + (CheckpointPeriod >> 1)
)

// CheckpointPeriod is the number of consensus heights between
// application-state checkpoints. It bounds how far out of order a
// message may be buffered before being treated as adversarial.
const CheckpointPeriod = 128

// Index returns the position of s relative to base, normalized across
// wraparound. A negative index means s is stale (older than base); an
// index beyond DropSeqNoThreshold means s is implausibly far in the
// future and is treated as adversarial. Both cases return ok=false.
func (s SeqNo) Index(base SeqNo) (idx int, ok bool) {
	raw := int32(s) - int32(base)
	if raw < overflowThresNeg || raw > overflowThresPos {
		// guard against overflow near the int32 boundary: the
		// subtraction above wrapped, so reinterpret it the way the
		// original febft code does.
		raw = math.MaxInt32 + raw + 1
	}
	if raw < 0 || raw > DropSeqNoThreshold {
		return 0, false
	}
	return int(raw), true
}
