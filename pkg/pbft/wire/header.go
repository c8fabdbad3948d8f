// Package wire implements the fixed-header codec (C1 in spec.md §4.1):
// header layout, signing, digesting, and (de)serialization of
// messages, offloaded onto a CPU worker pool so encode/decode never
// blocks the async I/O pipelines in package core.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

const (
	// HeaderSize is the fixed wire size of Header, per spec.md §6:
	// version:u16 | flags:u16 | from:u32 | to:u32 | nonce:u64 |
	// payload_len:u32 | payload_digest:[u8;32] | signature:[u8;64].
	HeaderSize = 2 + 2 + 4 + 4 + 8 + 4 + 32 + 64

	// FlagSigned marks a header whose Signature field is meaningful.
	// A zero signature with this flag unset denotes an unsigned
	// message, only allowed for the bootstrap handshake (spec.md §6).
	FlagSigned uint16 = 1 << 0
)

// Header is the fixed-size wire header preceding every payload
// (spec.md §6). All integers are little-endian.
type Header struct {
	Version       uint16
	Flags         uint16
	From          types.NodeId
	To            types.NodeId
	Nonce         uint64
	PayloadLength uint32
	PayloadDigest types.Digest
	Signature     [64]byte
}

// Signed reports whether the header carries a real signature.
func (h Header) Signed() bool { return h.Flags&FlagSigned != 0 }

// Marshal serializes the header to its fixed-size wire form.
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	o := 0
	binary.LittleEndian.PutUint16(buf[o:], h.Version)
	o += 2
	binary.LittleEndian.PutUint16(buf[o:], h.Flags)
	o += 2
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.From))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(h.To))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], h.Nonce)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], h.PayloadLength)
	o += 4
	copy(buf[o:], h.PayloadDigest[:])
	o += len(h.PayloadDigest)
	copy(buf[o:], h.Signature[:])
	return buf
}

// signingView returns the bytes the signature is computed over: the
// full header with the Signature field zeroed, per spec.md §6
// ("Signature covers the serialized header with its own field zeroed
// plus the payload digest" — the payload digest is already part of
// the header bytes, so no extra concatenation is needed).
func (h Header) signingView() [HeaderSize]byte {
	clone := h
	clone.Signature = [64]byte{}
	return clone.Marshal()
}

// DecodeHeader is infallible given a correctly-sized slice (spec.md
// §4.1: "header deserialization is infallible given correct length").
func DecodeHeader(raw []byte) (Header, error) {
	if len(raw) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header must be %d bytes, got %d", types.ErrSerializationFailure, HeaderSize, len(raw))
	}
	var h Header
	o := 0
	h.Version = binary.LittleEndian.Uint16(raw[o:])
	o += 2
	h.Flags = binary.LittleEndian.Uint16(raw[o:])
	o += 2
	h.From = types.NodeId(binary.LittleEndian.Uint32(raw[o:]))
	o += 4
	h.To = types.NodeId(binary.LittleEndian.Uint32(raw[o:]))
	o += 4
	h.Nonce = binary.LittleEndian.Uint64(raw[o:])
	o += 8
	h.PayloadLength = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	copy(h.PayloadDigest[:], raw[o:o+32])
	o += 32
	copy(h.Signature[:], raw[o:o+64])
	return h, nil
}
