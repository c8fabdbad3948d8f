package test

import (
	"testing"
	"time"
)

// Mirrors the teacher's TestProtocol_BootstrapUnity: bring a single
// replica up and immediately tear it down.
func TestCluster_BootstrapSingleReplica(t *testing.T) {
	cluster := CreateCluster(1, 0, t)
	cluster.Off()
}

// Mirrors the teacher's TestProtocol_BootstrapUnityCluster.
func TestCluster_BootstrapFourReplicas(t *testing.T) {
	cluster := CreateCluster(4, 1, t)
	cluster.Off()
}

// Mirrors the teacher's TestProtocol_GMCastMessageSingleUnitySingleProcess:
// a single write followed by a read that must observe it, except here
// both SET and GET are ordinary client requests routed through
// consensus rather than a distinct write/read RPC pair.
func TestCluster_SingleClientSetThenGet(t *testing.T) {
	cluster := CreateCluster(4, 1, t)
	defer cluster.Off()

	client := cluster.NewClient()
	defer client.Shutdown()

	leader := cluster.Leader()
	setReply, err := client.Do(leader, []byte("SET greeting hello"), 5*time.Second)
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if string(setReply.Reply) != "OK" {
		t.Fatalf("unexpected set reply: %q", setReply.Reply)
	}

	getReply, err := client.Do(leader, []byte("GET greeting"), 5*time.Second)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(getReply.Reply) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", getReply.Reply)
	}

	if _, err := cluster.AgreesOn("greeting"); err != nil {
		t.Errorf("cluster diverged: %v", err)
	}
}

// Every decided SET must appear identically in every replica's store,
// the storage-level equivalent of the teacher's DoesAllClusterMatch.
func TestCluster_ReplicasConverge(t *testing.T) {
	cluster := CreateCluster(4, 1, t)
	defer cluster.Off()

	client := cluster.NewClient()
	defer client.Shutdown()

	leader := cluster.Leader()
	for _, letter := range Alphabet[:5] {
		if _, err := client.Do(leader, []byte("SET letter "+letter), 5*time.Second); err != nil {
			t.Fatalf("set %s failed: %v", letter, err)
		}
	}

	value, err := cluster.AgreesOn("letter")
	if err != nil {
		t.Fatalf("cluster diverged: %v", err)
	}
	if string(value) != Alphabet[4] {
		t.Fatalf("expected final value %q, got %q", Alphabet[4], value)
	}
}
