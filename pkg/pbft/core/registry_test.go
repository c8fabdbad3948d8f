package core

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
	"github.com/jabolina/go-pbft/pkg/pbft/wire"
)

func listenLoopback(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

func TestRegistry_ConnectAndExchange(t *testing.T) {
	serverListener := listenLoopback(t)
	defer serverListener.Close()

	// firstClient=1 makes node 1 a genuine client (Async backend), so
	// the server's pump must divert its ClientRequest to the sink
	// rather than the replica fan-in channel.
	server := NewRegistry(0, 1, 1, "", nil, nil, types.TLSHandles{}, types.NewNopLogger())
	client := NewRegistry(1, 1, 1, "", nil, nil, types.TLSHandles{}, types.NewNopLogger())
	defer server.Shutdown()
	defer client.Shutdown()

	sunk := make(chan types.ClientRequest, 1)
	server.SetClientSink(func(from types.NodeId, req types.ClientRequest) {
		sunk <- req
	})

	go func() {
		conn, err := serverListener.Accept()
		if err != nil {
			return
		}
		_ = server.Accept(conn)
	}()

	ctx := context.Background()
	client.ConnectAll(ctx, map[types.NodeId]string{0: serverListener.Addr().String()})

	if client.Resolve(0) == nil {
		t.Fatal("expected client to have an established link to replica 0")
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.Resolve(1) == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for server to install the accepted link")
		}
		time.Sleep(time.Millisecond)
	}

	if err := client.Send(0, types.ClientRequestEnvelope(types.ClientRequest{Session: 1, OpID: 1, Operation: []byte("GET x")})); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case req := <-sunk:
		if req.Session != 1 || req.OpID != 1 {
			t.Fatalf("unexpected request reached the client sink: %+v", req)
		}
	case <-server.ReplicaInbound():
		t.Fatal("expected an Async-backend ClientRequest to be diverted to the client sink, not the replica inbox")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to receive the client's request")
	}
}

func TestRegistry_AcceptRejectsWrongDestination(t *testing.T) {
	serverListener := listenLoopback(t)
	defer serverListener.Close()

	server := NewRegistry(0, 2, 1, "", nil, nil, types.TLSHandles{}, types.NewNopLogger())
	defer server.Shutdown()

	conn, err := net.Dial("tcp", serverListener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	accepted, err := serverListener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer accepted.Close()

	// The handshake is addressed to node 9, but this listener is node 0.
	h := wire.Header{Version: 1, From: 1, To: 9, Nonce: 1}
	raw := h.Marshal()
	if _, err := conn.Write(raw[:]); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	if err := server.Accept(accepted); err != types.ErrMismatchedDestination {
		t.Fatalf("expected ErrMismatchedDestination, got %v", err)
	}
}

func TestRegistry_SendToLoopbackSelfUsesLoopbackQueue(t *testing.T) {
	// self is deliberately non-zero: a loopback Inbound with a
	// zero-value Header would misattribute this delivery to node 0
	// rather than the replica sending to itself, exactly the bug this
	// case guards against.
	r := NewRegistry(3, 5, 1, "", nil, nil, types.TLSHandles{}, types.NewNopLogger())
	defer r.Shutdown()

	msg := types.ClientRequestEnvelope(types.ClientRequest{Session: 1, OpID: 1})
	if err := r.Send(3, msg); err != nil {
		t.Fatalf("send to self: %v", err)
	}

	select {
	case in := <-r.Loopback():
		if in.Message.Kind != types.KindClientRequest {
			t.Fatalf("unexpected loopback message: %+v", in.Message)
		}
		if in.Header.From != 3 || in.Header.To != 3 {
			t.Fatalf("expected the loopback header to be stamped with the replica's own id, got %+v", in.Header)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the loopback delivery")
	}
}

func TestRegistry_SendToUnconnectedPeerFails(t *testing.T) {
	r := NewRegistry(0, 2, 1, "", nil, nil, types.TLSHandles{}, types.NewNopLogger())
	defer r.Shutdown()

	if err := r.Send(1, types.ClientRequestEnvelope(types.ClientRequest{})); err == nil {
		t.Fatal("expected send to an unconnected peer to fail")
	}
}
