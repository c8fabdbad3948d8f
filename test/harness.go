// Package test provides an in-process cluster harness for exercising a
// full replica set end to end: it wires together every C1-C9
// component exactly as cmd/replica does, but over loopback sockets in
// a single test process. Grounded on the teacher's test/testing.go
// (TestInvoker/UnityCluster/CreateCluster/CreateUnity), adapted from
// go-mcast's multicast unities to this module's replicas and clients.
package test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/batcher"
	"github.com/jabolina/go-pbft/pkg/pbft/consensus"
	"github.com/jabolina/go-pbft/pkg/pbft/core"
	"github.com/jabolina/go-pbft/pkg/pbft/definition"
	"github.com/jabolina/go-pbft/pkg/pbft/driver"
	"github.com/jabolina/go-pbft/pkg/pbft/observer"
	"github.com/jabolina/go-pbft/pkg/pbft/statemachine"
	"github.com/jabolina/go-pbft/pkg/pbft/storage"
	"github.com/jabolina/go-pbft/pkg/pbft/synchronizer"
	"github.com/jabolina/go-pbft/pkg/pbft/timeout"
	"github.com/jabolina/go-pbft/pkg/pbft/types"
	"github.com/jabolina/go-pbft/pkg/pbft/wire"
)

// Alphabet mirrors the teacher's fuzzy test corpus: a fixed sequence
// of single-letter commands used to drive deterministic sequential and
// concurrent command tests.
var Alphabet = []string{
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J",
	"K", "L", "M", "N", "O", "P", "Q", "R", "S", "T",
	"U", "V", "W", "X", "Y", "Z",
}

// Replica is one fully-wired cluster member running in this process.
type Replica struct {
	ID       types.NodeId
	Store    *storage.KV
	Log      *storage.Log
	Machine  *statemachine.KVStateMachine
	Registry *core.Registry

	clientGroup *batcher.Group
	timeouts    *timeout.Service
	driver      *driver.Driver
	listener    net.Listener
	ctx         context.Context
	cancel      context.CancelFunc
}

// Get reads key directly out of this replica's application store,
// bypassing consensus entirely — used to assert cross-replica
// agreement the way the teacher's DoesClusterMatchTo compares Read
// responses, but against the storage layer directly since this module
// does not expose a separate quorum-read RPC (every operation,
// including GET, is ordered through consensus).
func (r *Replica) Get(key string) ([]byte, error) {
	return r.Store.Get([]byte(key))
}

// Cluster owns every replica and the shared address book clients dial
// into, mirroring the teacher's UnityCluster.
type Cluster struct {
	T           *testing.T
	N, F        int
	FirstClient types.NodeId

	Replicas  []*Replica
	addresses map[types.NodeId]string

	nextClientID uint32
}

// CreateCluster boots an n-replica, f-Byzantine-tolerant cluster
// listening on loopback sockets, analogous to the teacher's
// CreateCluster(clusterSize, prefix, t).
func CreateCluster(n, f int, t *testing.T) *Cluster {
	c := &Cluster{
		T:           t,
		N:           n,
		F:           f,
		FirstClient: types.NodeId(n),
		addresses:   make(map[types.NodeId]string, n),
	}

	for i := 0; i < n; i++ {
		id := types.NodeId(i)
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("replica %v: listen: %v", id, err)
		}
		c.addresses[id] = listener.Addr().String()
		c.Replicas = append(c.Replicas, c.bootstrap(id, listener))
	}

	for _, r := range c.Replicas {
		go acceptLoop(r)
	}
	for _, r := range c.Replicas {
		r.Registry.ConnectAll(r.ctx, c.addresses)
	}
	for _, r := range c.Replicas {
		go r.driver.Run(r.ctx)
	}
	return c
}

func (c *Cluster) bootstrap(id types.NodeId, listener net.Listener) *Replica {
	t := c.T
	dir := t.TempDir()

	store, err := storage.OpenKV(dir + "/state.db")
	if err != nil {
		t.Fatalf("replica %v: open kv: %v", id, err)
	}
	durableLog, err := storage.OpenLog(dir + "/log.db")
	if err != nil {
		t.Fatalf("replica %v: open log: %v", id, err)
	}
	machine := statemachine.NewKVStateMachine(store)

	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("replica %v: generate key: %v", id, err)
	}
	signer := wire.Ed25519Signer{Private: signingKey}

	clientBatches := make(chan []types.ClientRequest, batcher.PerClientQueueBound)
	clientGroup := batcher.NewGroup(8, 8, time.Millisecond, clientBatches, log)

	registry := core.NewRegistry(id, c.FirstClient, 1, "", signer, nil, types.TLSHandles{}, log)
	registry.SetClientSink(func(from types.NodeId, req types.ClientRequest) {
		slot, ok := clientGroup.GetClient(from)
		if !ok {
			slot = clientGroup.InitClient(from)
		}
		slot.Push(req)
	})

	params, err := types.NewParams(c.N, c.F)
	if err != nil {
		t.Fatalf("replica %v: params: %v", id, err)
	}
	view := types.NewSingleLeaderView(0, params)

	obs := observer.NewRegistry(log)
	timeouts := timeout.NewService(log)

	consensusMachine := consensus.NewMachine(id, view, 0, log)
	synch := synchronizer.NewSynchronizer(id, view, 200*time.Millisecond, log)

	drv := driver.New(driver.Config{
		Self:           id,
		Registry:       registry,
		ReplicaInbound: registry.ReplicaInbound(),
		ClientBatches:  clientBatches,
		Loopback:       registry.Loopback(),
		Timeouts:       timeouts,
		Consensus:      consensusMachine,
		Synchronizer:   synch,
		StateMachine:   machine,
		StateTransfer:  machine,
		DurableLog:     durableLog,
		RequestTimeout: 3 * time.Second,
		Logger:         log,
		OnReply: func(reply types.ClientReply) {
			_ = registry.Send(reply.Session, types.ClientReplyEnvelope(reply))
		},
		OnObserve: func(height types.SeqNo, digest types.Digest) {
			registry.Broadcast(obs.Members(), observer.Notify(height, digest))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Replica{
		ID:          id,
		Store:       store,
		Log:         durableLog,
		Machine:     machine,
		Registry:    registry,
		clientGroup: clientGroup,
		timeouts:    timeouts,
		driver:      drv,
		listener:    listener,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func acceptLoop(r *Replica) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := r.Registry.Accept(conn); err != nil {
				_ = conn.Close()
			}
		}()
	}
}

// Leader returns the current leader under view sequence 0, the view
// every freshly-created replica starts in (no view change injected).
func (c *Cluster) Leader() types.NodeId {
	params, _ := types.NewParams(c.N, c.F)
	return types.NewSingleLeaderView(0, params).Primary
}

// Addresses returns a copy of the replica address book, suitable for a
// client's ConnectAll.
func (c *Cluster) Addresses() map[types.NodeId]string {
	out := make(map[types.NodeId]string, len(c.addresses))
	for k, v := range c.addresses {
		out[k] = v
	}
	return out
}

// Client is a connected, unregistered cluster participant that can
// submit operations and block for their reply.
type Client struct {
	id       types.NodeId
	registry *core.Registry
	nextOp   uint64
	cancel   context.CancelFunc
}

// NewClient connects a fresh client to every replica in the cluster.
func (c *Cluster) NewClient() *Client {
	c.nextClientID++
	id := c.FirstClient + types.NodeId(c.nextClientID)

	log := definition.NewDefaultLogger()
	log.ToggleDebug(false)

	registry := core.NewRegistry(id, c.FirstClient, 1, "", nil, nil, types.TLSHandles{}, log)
	ctx, cancel := context.WithCancel(context.Background())
	registry.ConnectAll(ctx, c.Addresses())

	return &Client{id: id, registry: registry, cancel: cancel}
}

// Do submits op to target and blocks until the matching reply arrives
// or timeout elapses.
func (c *Client) Do(target types.NodeId, op []byte, timeout time.Duration) (types.ClientReply, error) {
	c.nextOp++
	req := types.ClientRequest{Session: c.id, OpID: c.nextOp, Operation: op}
	if err := c.registry.Send(target, types.ClientRequestEnvelope(req)); err != nil {
		return types.ClientReply{}, err
	}

	deadline := time.After(timeout)
	for {
		select {
		case in := <-c.registry.ReplicaInbound():
			if in.Message.Kind != types.KindClientReply || in.Message.ClientReply == nil {
				continue
			}
			reply := *in.Message.ClientReply
			if reply.Session != c.id || reply.OpID != req.OpID {
				continue
			}
			return reply, nil
		case <-deadline:
			return types.ClientReply{}, fmt.Errorf("client %v: request %d timed out waiting for reply", c.id, req.OpID)
		}
	}
}

// Shutdown tears the client's connections down.
func (c *Client) Shutdown() {
	c.cancel()
	c.registry.Shutdown()
}

// AgreesOn reads key directly out of every replica's store and fails
// the test if any of them disagree, the storage-level analogue of the
// teacher's DoesClusterMatchTo/DoesAllClusterMatch.
func (c *Cluster) AgreesOn(key string) ([]byte, error) {
	var first []byte
	for i, r := range c.Replicas {
		v, err := r.Get(key)
		if err != nil {
			return nil, fmt.Errorf("replica %v: get %q: %w", r.ID, key, err)
		}
		if i == 0 {
			first = v
			continue
		}
		if !bytes.Equal(first, v) {
			return nil, fmt.Errorf("replica %v diverges on %q: %x vs %x", r.ID, key, v, first)
		}
	}
	return first, nil
}

// Off tears every replica down concurrently, mirroring the teacher's
// UnityCluster.Off.
func (c *Cluster) Off() {
	var wg sync.WaitGroup
	for _, r := range c.Replicas {
		wg.Add(1)
		go func(r *Replica) {
			defer wg.Done()
			r.cancel()
			r.Registry.Shutdown()
			r.clientGroup.Shutdown()
			r.timeouts.Stop()
			_ = r.listener.Close()
			_ = r.Store.Close()
			_ = r.Log.Close()
		}(r)
	}
	wg.Wait()
}

// PrintStackTrace dumps every goroutine's stack to the test log,
// ported verbatim from the teacher's test/testing.go helper.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	t.Errorf("%s", buf)
}

// WaitThisOrTimeout runs cb and reports whether it finished before
// duration elapsed, ported from the teacher's helper of the same name.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
