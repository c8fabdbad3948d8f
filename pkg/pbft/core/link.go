// Package core implements the peer communication substrate: one
// authenticated bidirectional link per peer with independent send and
// receive pipelines (C2, spec.md §4.2), and the connection registry
// that owns every link and orchestrates connect/accept (C3, spec.md
// §4.3). Grounded on the teacher's pkg/mcast/core/peer.go poll loop and
// pkg/mcast/core/transport.go, and on febft's
// `febft-communication/src/tcp_ip_simplex/mod.rs` /
// `febft-communication-2/src/tcpip/connections/mod.rs` for the
// handshake and tie-break rules.
package core

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"sync/atomic"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
	"github.com/jabolina/go-pbft/pkg/pbft/wire"
)

// QueueCapacity bounds every per-peer send/receive queue at 1024
// messages, per spec.md §4.2/§5.
const QueueCapacity = 1024

// Backend selects whether a PeerLink's pipelines run as dedicated OS
// threads (Sync, used for latency-sensitive replica<->replica links)
// or as cooperative goroutines (Async, used for the client<->replica
// fan-in), per spec.md §4.2.
type Backend int

const (
	Sync Backend = iota
	Async
)

// Inbound is one decoded message arriving from a peer, tagged with the
// header it arrived under (so callers can see From/To/Nonce).
type Inbound struct {
	Header  wire.Header
	Message types.Message
}

// PeerLink is one authenticated bidirectional channel to one peer,
// with independent, cancellable send and receive pipelines sharing one
// bounded queue each (spec.md §4.2).
type PeerLink struct {
	self, peer types.NodeId
	conn       net.Conn
	backend    Backend
	version    uint16
	signer     wire.Signer
	peerPub    ed25519.PublicKey
	log        types.Logger

	sendQ   chan types.Message
	inboxQ  chan Inbound
	nonce   uint64

	ctx    context.Context
	cancel context.CancelFunc

	connected int32 // atomic bool
	onClose   func(peer types.NodeId)
}

// NewPeerLink wraps an already-connected socket (post-handshake) into
// a running link: both pipelines are spawned immediately.
func NewPeerLink(self, peer types.NodeId, conn net.Conn, backend Backend, version uint16, signer wire.Signer, peerPub ed25519.PublicKey, log types.Logger, onClose func(types.NodeId)) *PeerLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &PeerLink{
		self:      self,
		peer:      peer,
		conn:      conn,
		backend:   backend,
		version:   version,
		signer:    signer,
		peerPub:   peerPub,
		log:       log,
		sendQ:     make(chan types.Message, QueueCapacity),
		inboxQ:    make(chan Inbound, QueueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		connected: 1,
		onClose:   onClose,
	}
	go l.outbound()
	go l.inbound()
	return l
}

// Send enqueues a message for the outbound pipeline. It never blocks
// past the queue's capacity indefinitely: a full queue applies
// back-pressure to the caller, per spec.md §5.
func (l *PeerLink) Send(msg types.Message) error {
	if atomic.LoadInt32(&l.connected) == 0 {
		return types.ErrConnectionClosed
	}
	select {
	case l.sendQ <- msg:
		return nil
	case <-l.ctx.Done():
		return types.ErrConnectionClosed
	}
}

// Inbound exposes the decoded-message channel for this peer. A single
// consumer (the driver, or the client batcher) drains it, which is
// what gives the link FIFO receive ordering (spec.md §5).
func (l *PeerLink) Inbound() <-chan Inbound { return l.inboxQ }

// Connected reports whether the link is still usable.
func (l *PeerLink) Connected() bool { return atomic.LoadInt32(&l.connected) == 1 }

// Close cancels both pipelines: closing the send queue (via context)
// terminates the outbound pipeline on next drain, and closing the
// socket terminates the inbound pipeline on next read — no joins
// required (spec.md §4.2 "Cancellation").
func (l *PeerLink) Close() {
	if !atomic.CompareAndSwapInt32(&l.connected, 1, 0) {
		return
	}
	l.cancel()
	_ = l.conn.Close()
	if l.onClose != nil {
		l.onClose(l.peer)
	}
}

// outbound drains sendQ and writes header-then-payload to the socket.
// A write error terminates the pipeline and marks the link
// disconnected (spec.md §4.2).
func (l *PeerLink) outbound() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case msg, ok := <-l.sendQ:
			if !ok {
				return
			}
			if err := l.writeOne(msg); err != nil {
				l.log.Warnf("peer link %v->%v write failed: %v", l.self, l.peer, err)
				l.Close()
				return
			}
		}
	}
}

func (l *PeerLink) writeOne(msg types.Message) error {
	nonce := atomic.AddUint64(&l.nonce, 1)
	rx := wire.Encode(msg, l.self, l.peer, nonce, l.version, l.signer)

	var enc wire.EncodeResult
	var err error
	switch l.backend {
	case Async:
		select {
		case r := <-wire.RecvAsync(rx):
			enc, err = r.Value, r.Err
		case <-l.ctx.Done():
			return types.ErrConnectionClosed
		}
	default:
		enc, err = rx.Recv()
	}
	if err != nil {
		return err
	}
	headerBytes := enc.Header.Marshal()
	if _, err := l.conn.Write(headerBytes[:]); err != nil {
		return err
	}
	if _, err := l.conn.Write(enc.Payload); err != nil {
		return err
	}
	return nil
}

// inbound reads header-then-payload in a loop; the payload is
// dispatched to the codec worker pool for decoding and the decoded
// message is pushed onto the peer's inbound channel. Any read error,
// malformed header, or mismatched destination closes the connection
// (spec.md §4.2).
func (l *PeerLink) inbound() {
	defer close(l.inboxQ)
	headerBuf := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(l.conn, headerBuf); err != nil {
			l.Close()
			return
		}
		header, err := wire.DecodeHeader(headerBuf)
		if err != nil {
			l.log.Warnf("peer link %v: malformed header: %v", l.peer, err)
			l.Close()
			return
		}
		if header.To != l.self {
			l.log.Warnf("peer link %v: mismatched destination %v, closing", l.peer, header.To)
			l.Close()
			return
		}
		if l.peerPub != nil && !wire.Verify(header, l.peerPub, false) {
			l.log.Warnf("peer link %v: signature verification failed, closing", l.peer)
			l.Close()
			return
		}
		payload := make([]byte, header.PayloadLength)
		if _, err := io.ReadFull(l.conn, payload); err != nil {
			l.Close()
			return
		}

		rx := wire.DecodePayload(header, payload)
		var msg types.Message
		switch l.backend {
		case Async:
			select {
			case r := <-wire.RecvAsync(rx):
				msg, err = r.Value, r.Err
			case <-l.ctx.Done():
				return
			}
		default:
			msg, err = rx.Recv()
		}
		if err != nil {
			l.log.Warnf("peer link %v: %v", l.peer, err)
			l.Close()
			return
		}

		select {
		case l.inboxQ <- Inbound{Header: header, Message: msg}:
		case <-l.ctx.Done():
			return
		}
	}
}
