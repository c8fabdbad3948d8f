package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
	"github.com/jabolina/go-pbft/pkg/pbft/wire"
)

// connectRetryInterval and connectMaxAttempts implement spec.md §4.3's
// connect strategy: "retrying every 1 s up to 180 attempts."
const (
	connectRetryInterval = time.Second
	connectMaxAttempts   = 180
)

// KeyStore resolves a peer's public key, used both during the
// handshake's optional signature verification and in Send/Broadcast
// when signing is required. Signing/peer keys are immutable after
// bootstrap (spec.md §5), so this is read-only.
type KeyStore interface {
	PublicKey(peer types.NodeId) (ed25519.PublicKey, bool)
}

// Registry is the connection registry (C3, spec.md §4.3): a map of
// peer id to PeerLink, with connect/accept orchestration. A link that
// closes is removed from the map and is not re-dialed; the peer is
// reachable again only after a new ConnectAll or Accept. Grounded on febft's
// `src/bft/communication/peer_handling/mod.rs` NodePeers / the
// teacher's transport construction in pkg/mcast/core/transport.go.
type Registry struct {
	self            types.NodeId
	firstClient     types.NodeId
	version         uint16
	versionConstraint string
	signer          wire.Signer
	keys            KeyStore
	tls             types.TLSHandles
	log             types.Logger

	mu    sync.RWMutex
	links map[types.NodeId]*PeerLink
	// nonces tracks the handshake nonce each installed link won with,
	// so a concurrent second handshake for the same peer can be
	// compared against it (see winsTieBreak).
	nonces map[types.NodeId]uint64

	loopback chan Inbound
	// replicaInbox is the single fan-in channel the driver polls for
	// every replica<->replica message, fed by one pump goroutine per
	// installed Sync-backend link (spec.md §4.3 id-routing split).
	replicaInbox chan Inbound
	// clientSink routes an inbound ClientRequest straight to the
	// batcher instead of the driver, mirroring
	// `peer_handling/mod.rs`'s split between `ConnectedPeersGroup`
	// (clients) and the consensus peers.
	clientSink func(types.NodeId, types.ClientRequest)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry constructs an empty registry. versionConstraint is the
// go-version range (e.g. "~> 1.0") a remote's advertised header
// version must satisfy during the handshake (SPEC_FULL.md §3). Peers
// are connected through ConnectAll/Accept as the caller drives them.
func NewRegistry(self, firstClient types.NodeId, version uint16, versionConstraint string, signer wire.Signer, keys KeyStore, tls types.TLSHandles, log types.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		self:              self,
		firstClient:       firstClient,
		version:           version,
		versionConstraint: versionConstraint,
		signer:            signer,
		keys:              keys,
		tls:               tls,
		log:               log,
		links:        make(map[types.NodeId]*PeerLink),
		nonces:       make(map[types.NodeId]uint64),
		loopback:     make(chan Inbound, QueueCapacity),
		replicaInbox: make(chan Inbound, QueueCapacity),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetClientSink installs the callback inbound ClientRequest messages
// from client (Async-backend) links are routed to, normally a closure
// pushing into the owning batcher.Group's ClientSlot. Must be set
// before the first link is established.
func (r *Registry) SetClientSink(fn func(types.NodeId, types.ClientRequest)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientSink = fn
}

// ReplicaInbound is the single fan-in channel of every
// replica<->replica message received on any established link, the
// driver's ReplicaInbound input.
func (r *Registry) ReplicaInbound() <-chan Inbound { return r.replicaInbox }

// backendFor routes replica<->replica traffic onto dedicated OS-thread-
// style pipelines and client<->replica traffic onto cooperative ones
// (spec.md §4.2).
func (r *Registry) backendFor(peer types.NodeId) Backend {
	if peer < r.firstClient {
		return Sync
	}
	return Async
}

// Resolve looks up an established link, or nil if the peer isn't
// connected yet.
func (r *Registry) Resolve(peer types.NodeId) *PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[peer]
}

// Loopback returns the self-id short-circuit queue: messages addressed
// to the local id never touch serialization (spec.md §4.3 "Routing").
func (r *Registry) Loopback() <-chan Inbound { return r.loopback }

// Send delivers msg to peer, routing through the loopback queue when
// peer is the local id, or returning types.ErrConnectionClosed when no
// connected link is established (Broadcast is the variant that
// swallows that error).
func (r *Registry) Send(peer types.NodeId, msg types.Message) error {
	if peer == r.self {
		select {
		case r.loopback <- Inbound{Header: wire.Header{From: r.self, To: r.self}, Message: msg}:
			return nil
		case <-r.ctx.Done():
			return types.ErrConnectionClosed
		}
	}
	link := r.Resolve(peer)
	if link == nil || !link.Connected() {
		return types.ErrConnectionClosed
	}
	return link.Send(msg)
}

// Broadcast sends msg to every target, best-effort: an unreachable
// target is dropped silently, matching spec.md §7's "transient I/O...
// never surfaced above C3".
func (r *Registry) Broadcast(targets []types.NodeId, msg types.Message) {
	for _, t := range targets {
		if err := r.Send(t, msg); err != nil {
			r.log.Debugf("broadcast to %v dropped: %v", t, err)
		}
	}
}

// handleEstablished installs a freshly-handshaken connection as the
// peer's link, tearing down any existing link first (used both after a
// successful Connect and after Accept).
func (r *Registry) handleEstablished(peer types.NodeId, conn net.Conn, nonce uint64) {
	backend := r.backendFor(peer)
	var pub ed25519.PublicKey
	if r.keys != nil {
		pub, _ = r.keys.PublicKey(peer)
	}

	link := NewPeerLink(r.self, peer, conn, backend, r.version, r.signer, pub, r.log, r.forget)

	r.mu.Lock()
	if existing, ok := r.links[peer]; ok {
		// Tie-break: if both sides dialed concurrently, the handshake
		// with the larger (source, nonce) pair wins (spec.md §4.3).
		// Source is the same peer id on both competing handshakes, so
		// this reduces to comparing nonces.
		if nonce <= r.nonces[peer] {
			r.mu.Unlock()
			link.Close()
			return
		}
		existing.Close()
	}
	r.links[peer] = link
	r.nonces[peer] = nonce
	r.mu.Unlock()

	go r.pump(peer, link, backend)
}

// pump is the sole consumer of one link's Inbound() channel (preserving
// the single-consumer invariant documented on PeerLink.Inbound), and
// routes each message either to the client sink or to the shared
// replica fan-in channel.
func (r *Registry) pump(peer types.NodeId, link *PeerLink, backend Backend) {
	for in := range link.Inbound() {
		if backend == Async && in.Message.Kind == types.KindClientRequest {
			r.mu.RLock()
			sink := r.clientSink
			r.mu.RUnlock()
			if sink != nil {
				sink(peer, *in.Message.ClientRequest)
				continue
			}
		}
		select {
		case r.replicaInbox <- in:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) forget(peer types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, peer)
	delete(r.nonces, peer)
}

// ConnectAll dials every peer with id < self, retrying every 1s up to
// 180 attempts per spec.md §4.3. It returns once every dial either
// succeeds or exhausts its attempts; callers typically run it once at
// startup.
func (r *Registry) ConnectAll(ctx context.Context, addresses map[types.NodeId]string) {
	var wg sync.WaitGroup
	for peer, addr := range addresses {
		if peer >= r.self {
			continue
		}
		wg.Add(1)
		go func(peer types.NodeId, addr string) {
			defer wg.Done()
			r.connectWithRetry(ctx, peer, addr)
		}(peer, addr)
	}
	wg.Wait()
}

func (r *Registry) connectWithRetry(ctx context.Context, peer types.NodeId, addr string) {
	for attempt := 0; attempt < connectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			if err := r.dialHandshake(conn, peer); err == nil {
				return
			} else {
				_ = conn.Close()
			}
		} else {
			r.log.Debugf("connect to %v (%s) attempt %d failed: %v", peer, addr, attempt, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(connectRetryInterval):
		}
	}
	r.log.Errorf("giving up connecting to %v after %d attempts", peer, connectMaxAttempts)
}

// dialHandshake performs the initiator side of spec.md §6's handshake:
// writes a header with an empty payload, nonce = random, from = self,
// to = expected, optionally wraps with TLS, then installs the link.
func (r *Registry) dialHandshake(conn net.Conn, peer types.NodeId) error {
	nonce := rand.Uint64()
	if err := r.writeHandshake(conn, peer, nonce); err != nil {
		return err
	}
	upgraded, err := r.maybeTLS(conn)
	if err != nil {
		return err
	}
	r.handleEstablished(peer, upgraded, nonce)
	return nil
}

func (r *Registry) writeHandshake(conn net.Conn, to types.NodeId, nonce uint64) error {
	h := wire.Header{Version: r.version, From: r.self, To: to, Nonce: nonce}
	raw := h.Marshal()
	_, err := conn.Write(raw[:])
	return err
}

func (r *Registry) maybeTLS(conn net.Conn) (net.Conn, error) {
	if r.tls.Wrap == nil {
		return conn, nil
	}
	return r.tls.Wrap(conn)
}

// Accept runs the acceptor side of the handshake for one freshly
// accepted socket: reads the header-only handshake frame, validates
// `to == self` and role-compatibility (no client<->client misroutes),
// optionally completes TLS, then installs the link (spec.md §4.3,
// §6).
func (r *Registry) Accept(conn net.Conn) error {
	headerBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(conn, headerBuf); err != nil {
		return err
	}
	h, err := wire.DecodeHeader(headerBuf)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if h.To != r.self {
		return types.ErrMismatchedDestination
	}
	if r.self >= r.firstClient && h.From >= r.firstClient {
		// Both ends are clients: no client<->client traffic is ever
		// routed (spec.md §4.3).
		return types.ErrMismatchedDestination
	}
	if r.versionConstraint != "" {
		remote := fmt.Sprintf("%d.0.0", h.Version)
		if err := wire.NegotiateVersion(remote, r.versionConstraint); err != nil {
			return fmt.Errorf("handshake with %v: %w", h.From, err)
		}
	}
	upgraded, err := r.maybeTLS(conn)
	if err != nil {
		return err
	}
	r.handleEstablished(h.From, upgraded, h.Nonce)
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Shutdown tears down every established link.
func (r *Registry) Shutdown() {
	r.cancel()
	r.mu.Lock()
	links := make([]*PeerLink, 0, len(r.links))
	for _, link := range r.links {
		links = append(links, link)
	}
	r.mu.Unlock()
	// Close runs the forget callback, which takes r.mu itself.
	for _, link := range links {
		link.Close()
	}
}
