package types

import "testing"

func TestConfiguration_ValidateRejectsBadClusterSize(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.N = 2 // 2 < 3*1+1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to reject n < 3f+1")
	}
}

func TestConfiguration_ValidateRejectsOutOfRangeReplicaID(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.ID = 4 // equals N, and with FirstClient moved to 10 this is neither a valid replica nor client id.
	cfg.FirstClient = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to reject an id that is neither a replica nor a client")
	}
}

func TestConfiguration_ValidateAcceptsClientID(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.ID = 4 // equals FirstClient: a valid client id.
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a client id to validate, got %v", err)
	}
}

func TestConfiguration_DefaultIsValid(t *testing.T) {
	cfg := DefaultConfiguration()
	cfg.ID = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected the default configuration to validate, got %v", err)
	}
}
