package observer

import (
	"testing"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(types.NewNopLogger())
	r.Register(1)
	r.Register(2)

	members := r.Members()
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}

	r.Unregister(1)
	members = r.Members()
	if len(members) != 1 || members[0] != 2 {
		t.Fatalf("expected only member 2 left, got %v", members)
	}
}

func TestRegistry_HandleMessageRegistersOnlyOnRegisterFlag(t *testing.T) {
	r := NewRegistry(types.NewNopLogger())
	r.HandleMessage(5, types.ObserverMessage{Register: true})
	if members := r.Members(); len(members) != 1 || members[0] != 5 {
		t.Fatalf("expected replica 5 registered, got %v", members)
	}

	r.HandleMessage(6, types.ObserverMessage{Register: false})
	if members := r.Members(); len(members) != 1 {
		t.Fatalf("expected a non-register message to not add a member, got %v", members)
	}
}

func TestNotify_BuildsObserverEnvelope(t *testing.T) {
	digest := types.Sum([]byte("decided"))
	msg := Notify(7, digest)

	if msg.Kind != types.KindObserver {
		t.Fatalf("expected KindObserver, got %v", msg.Kind)
	}
	if msg.Observer == nil || msg.Observer.Register {
		t.Fatalf("expected an unset-register observed-value message, got %+v", msg.Observer)
	}
	if msg.Observer.ObservedHeight != 7 {
		t.Fatalf("expected observed height 7, got %v", msg.Observer.ObservedHeight)
	}
	if string(msg.Observer.ObservedValue) != string(digest[:]) {
		t.Fatal("expected observed value to carry the decided digest")
	}
}
