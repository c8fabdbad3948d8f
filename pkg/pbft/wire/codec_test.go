package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

func TestHeader_MarshalDecodeRoundTrip(t *testing.T) {
	h := Header{Version: 1, From: 2, To: 3, Nonce: 42, PayloadLength: 7, PayloadDigest: types.Sum([]byte("hello"))}
	raw := h.Marshal()

	decoded, err := DecodeHeader(raw[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != h {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestDecodeHeader_RejectsWrongSize(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error decoding a short buffer")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg := types.ClientRequestEnvelope(types.ClientRequest{Session: 5, OpID: 1, Operation: []byte("SET a b")})

	rx := Encode(msg, 0, 1, 9, 1, nil)
	enc, err := rx.Recv()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc.Header.Signed() {
		t.Fatal("expected unsigned header without a signer")
	}

	drx := DecodePayload(enc.Header, enc.Payload)
	decoded, err := drx.Recv()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != types.KindClientRequest || decoded.ClientRequest.Session != 5 {
		t.Fatalf("unexpected decoded message: %+v", decoded)
	}
}

func TestDecodePayload_RejectsDigestMismatch(t *testing.T) {
	msg := types.ClientRequestEnvelope(types.ClientRequest{Session: 1, OpID: 1})
	rx := Encode(msg, 0, 1, 1, 1, nil)
	enc, err := rx.Recv()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tampered := append([]byte(nil), enc.Payload...)
	tampered = append(tampered, 'x')
	enc.Header.PayloadLength = uint32(len(tampered))

	drx := DecodePayload(enc.Header, tampered)
	if _, err := drx.Recv(); err == nil {
		t.Fatal("expected digest mismatch to be rejected")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := Ed25519Signer{Private: priv}

	h := Header{Version: 1, From: 0, To: 1, Nonce: 1}
	h.Flags |= FlagSigned
	h.Signature = signer.Sign(h.signingView()[:])

	if !Verify(h, pub, false) {
		t.Fatal("expected signature to verify")
	}

	h.Nonce = 2 // tamper with a signed field
	if Verify(h, pub, false) {
		t.Fatal("expected tampered header to fail verification")
	}
}

func TestVerify_UnsignedHeaderOnlyPassesWhenAllowed(t *testing.T) {
	h := Header{Version: 1, From: 0, To: 1}
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	if Verify(h, pub, false) {
		t.Fatal("expected unsigned header to fail when unsigned is disallowed")
	}
	if !Verify(h, pub, true) {
		t.Fatal("expected unsigned header to pass when unsigned is allowed")
	}
}

func TestNegotiateVersion(t *testing.T) {
	if err := NegotiateVersion("1.2.0", "~> 1.0"); err != nil {
		t.Fatalf("expected 1.2.0 to satisfy ~> 1.0: %v", err)
	}
	if err := NegotiateVersion("2.0.0", "~> 1.0"); err == nil {
		t.Fatal("expected 2.0.0 to violate ~> 1.0")
	}
	if err := NegotiateVersion("not-a-version", "~> 1.0"); err == nil {
		t.Fatal("expected malformed version to be rejected")
	}
}
