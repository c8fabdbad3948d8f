// Package batcher implements the client-pool batcher (C4, spec.md
// §4.4): incoming client requests are grouped into fixed-capacity
// pools (at most clients_per_pool clients each) so that fair, circular
// collection never starves a client behind a crowd of others.
// Grounded almost verbatim on febft's
// `src/bft/communication/peer_handling/mod.rs`
// (`ConnectedPeersGroup`/`ConnectedPeersPool::collect_requests`), the
// single most concretely-specified algorithm in the retrieved original
// source.
package batcher

import (
	"sync"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// PerClientQueueBound is the bounded queue depth for one client's
// pending requests, mirroring febft's per-client channel bound.
const PerClientQueueBound = 1024

// ClientSlot is one connected client's pending-request queue. A single
// producer (the client's PeerLink receive pipeline) pushes onto it and
// a single consumer (its owning Pool's collector goroutine) drains it,
// so no additional synchronization is needed beyond the channel.
type ClientSlot struct {
	id   types.NodeId
	reqs chan types.ClientRequest

	mu          sync.Mutex
	disconnected bool
}

// NewClientSlot allocates a slot for id with the standard queue bound.
func NewClientSlot(id types.NodeId) *ClientSlot {
	return &ClientSlot{id: id, reqs: make(chan types.ClientRequest, PerClientQueueBound)}
}

// ID reports the client this slot belongs to.
func (s *ClientSlot) ID() types.NodeId { return s.id }

// Push enqueues a request, dropping it (back-pressuring the network
// layer instead of blocking the collector) if the slot's queue is full
// — spec.md §5 treats an overloaded single client as a transient
// condition, not a cluster-wide failure.
func (s *ClientSlot) Push(req types.ClientRequest) bool {
	select {
	case s.reqs <- req:
		return true
	default:
		return false
	}
}

// Disconnect marks the slot as dead; the next collection round removes
// it from its pool.
func (s *ClientSlot) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

func (s *ClientSlot) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// dumpUpTo pulls up to n requests out of the slot's queue without
// blocking, appending them to into.
func (s *ClientSlot) dumpUpTo(n int, into []types.ClientRequest) ([]types.ClientRequest, int) {
	taken := 0
	for taken < n {
		select {
		case r := <-s.reqs:
			into = append(into, r)
			taken++
		default:
			return into, taken
		}
	}
	return into, taken
}

// Pool holds at most its capacity of client slots (the Group's
// poolCapacity, kept in the batchSize field) and runs the fair circular
// collection loop (spec.md §4.4's "collect_requests"). Each call to
// Collect starts from a different slot (round-robin, not randomized —
// the Go port swaps febft's `fastrand` start point for a monotonic
// counter, since both achieve the same starvation-freedom property
// without pulling in an extra dependency for one call site) and
// carries any of a disconnected client's unused slots forward to the
// next client in line, "greedy" per the original.
type Pool struct {
	batchSize int
	owner     *Group

	mu      sync.Mutex
	clients []*ClientSlot
	cursor  int
}

func newPool(batchSize int, owner *Group) *Pool {
	return &Pool{batchSize: batchSize, owner: owner}
}

// attemptAdd adds slot if the pool has room, reporting false if full.
func (p *Pool) attemptAdd(slot *ClientSlot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clients) >= p.batchSize {
		return false
	}
	p.clients = append(p.clients, slot)
	return true
}

// attemptRemove drops id from the pool, reporting (removed, nowEmpty).
func (p *Pool) attemptRemove(id types.NodeId) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.clients {
		if c.ID() == id {
			p.clients[i] = p.clients[len(p.clients)-1]
			p.clients = p.clients[:len(p.clients)-1]
			return true, len(p.clients) == 0
		}
	}
	return false, false
}

// Collect gathers up to batchSize requests from the pool's clients,
// sharing slots fairly: each client is offered requestsPerClient plus
// the remainder, and any slack left unused by one client (because it
// had fewer pending requests than offered, or was disconnected)
// carries forward to the next one in the rotation.
func (p *Pool) Collect(batchSize int) []types.ClientRequest {
	p.mu.Lock()
	clients := p.clients
	n := len(clients)
	if n == 0 {
		p.mu.Unlock()
		return nil
	}
	start := p.cursor % n
	p.cursor++
	p.mu.Unlock()

	batch := make([]types.ClientRequest, 0, batchSize)
	var disconnected []types.NodeId

	perClient := batchSize / n
	remainder := batchSize % n
	nextClientRequests := perClient + remainder

	for i := 0; i < n; i++ {
		client := clients[(start+i)%n]
		if client.isDisconnected() {
			disconnected = append(disconnected, client.ID())
			nextClientRequests += perClient
			continue
		}
		var taken int
		batch, taken = client.dumpUpTo(nextClientRequests, batch)
		nextClientRequests -= taken
		nextClientRequests += perClient
	}

	if len(disconnected) > 0 && p.owner != nil {
		p.owner.forget(disconnected)
	}

	return batch
}

// Group owns every pool for one traffic class (all replicas, or all
// clients) and the background collector goroutines feeding batchOut,
// mirroring `ConnectedPeersGroup` + its per-pool collector thread.
type Group struct {
	poolCapacity   int
	batchSize      int
	baseSleep      time.Duration
	batchOut       chan<- []types.ClientRequest
	log            types.Logger

	mu      sync.RWMutex
	pools   []*Pool
	slots   map[types.NodeId]*ClientSlot
	count   int

	stop chan struct{}
}

// NewGroup creates a group whose collector threads push completed
// batches onto batchOut. poolCapacity bounds how many clients share one
// pool (spec.md §6 `clients_per_pool`); batchSize is the target number
// of requests each collection round gathers across one pool's clients
// (spec.md §6 `batch_size`) — two independent knobs, kept distinct
// unlike febft's `ConnectedPeersGroup` (where one constant served
// both).
func NewGroup(poolCapacity, batchSize int, baseSleep time.Duration, batchOut chan<- []types.ClientRequest, log types.Logger) *Group {
	if baseSleep <= 0 {
		baseSleep = time.Millisecond
	}
	return &Group{
		poolCapacity: poolCapacity,
		batchSize:    batchSize,
		baseSleep:    baseSleep,
		batchOut:     batchOut,
		log:          log,
		slots:        make(map[types.NodeId]*ClientSlot),
		stop:         make(chan struct{}),
	}
}

// InitClient registers a new client, placing it in the first pool with
// room or allocating a fresh pool (and its collector goroutine)
// otherwise.
func (g *Group) InitClient(id types.NodeId) *ClientSlot {
	slot := NewClientSlot(id)

	g.mu.Lock()
	g.slots[id] = slot
	g.count++
	for _, pool := range g.pools {
		if pool.attemptAdd(slot) {
			g.mu.Unlock()
			return slot
		}
	}
	pool := newPool(g.poolCapacity, g)
	pool.attemptAdd(slot)
	g.pools = append(g.pools, pool)
	id32 := len(g.pools)
	g.mu.Unlock()

	go g.runCollector(pool, id32)
	return slot
}

// GetClient resolves an already-registered client's slot.
func (g *Group) GetClient(id types.NodeId) (*ClientSlot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.slots[id]
	return s, ok
}

// DelClient marks a client disconnected; the owning pool's next
// Collect round evicts it.
func (g *Group) DelClient(id types.NodeId) {
	if s, ok := g.GetClient(id); ok {
		s.Disconnect()
	}
}

func (g *Group) forget(ids []types.NodeId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.slots, id)
		g.count--
		for i := 0; i < len(g.pools); i++ {
			if removed, empty := g.pools[i].attemptRemove(id); removed {
				if empty {
					g.pools[i] = g.pools[len(g.pools)-1]
					g.pools = g.pools[:len(g.pools)-1]
				}
				break
			}
		}
	}
}

// ClientCount reports how many clients are currently registered.
func (g *Group) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.count
}

// Shutdown stops every collector goroutine owned by this group.
func (g *Group) Shutdown() { close(g.stop) }

// backoff is a minimal exponential back-off with a cap, used by a
// pool's collector loop when a collection round comes up empty. No
// library in the retrieved pack offers a backoff primitive, so this is
// the one deliberately-stdlib corner of the batcher (documented in
// DESIGN.md).
type backoff struct {
	cur  time.Duration
	max  time.Duration
	base time.Duration
}

func newBackoff(base time.Duration) *backoff {
	return &backoff{cur: base, max: 50 * base, base: base}
}

func (b *backoff) reset() { b.cur = b.base }

func (b *backoff) snooze() {
	time.Sleep(b.cur)
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
}

// runCollector is the per-pool collection loop: gathers a batch,
// forwards non-empty ones downstream, and backs off on empty rounds
// (spec.md §4.4's "collect_requests" thread).
func (g *Group) runCollector(pool *Pool, poolID int) {
	bo := newBackoff(g.baseSleep)
	for {
		select {
		case <-g.stop:
			return
		default:
		}
		batch := pool.Collect(g.batchSize)
		if len(batch) > 0 {
			select {
			case g.batchOut <- batch:
			case <-g.stop:
				return
			}
			bo.reset()
		} else {
			bo.snooze()
		}
	}
}
