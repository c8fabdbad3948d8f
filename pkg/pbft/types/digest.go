package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the SHA-256 fingerprint of a payload: a request, a batch,
// or a wire message. spec.md §3/§6 call for a fixed 32-byte digest
// carried in both the wire header and consensus messages.
type Digest [sha256.Size]byte

// ZeroDigest is the digest of an empty byte slice, used as the
// placeholder "no decision yet" value (mirrors febft's
// `Digest::from_bytes(&[0; Digest::LENGTH][..])` used to seed a fresh
// Consensus tracker).
var ZeroDigest = Sum(nil)

// Sum computes the digest of b.
func Sum(b []byte) Digest {
	return sha256.Sum256(b)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Chain folds the next digest into an accumulator, used to build the
// aggregate digest of a batch as a hash chain across per-leader
// sub-batches (spec.md §3, "Batch").
func Chain(acc Digest, next Digest) Digest {
	buf := make([]byte, 0, len(acc)+len(next))
	buf = append(buf, acc[:]...)
	buf = append(buf, next[:]...)
	return Sum(buf)
}
