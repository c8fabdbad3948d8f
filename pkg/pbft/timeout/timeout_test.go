package timeout

import (
	"testing"
	"time"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

func TestService_ScheduleDeliversOnExpiry(t *testing.T) {
	s := NewService(types.NewNopLogger())
	defer s.Stop()

	s.Schedule(KindRequest, time.Now().Add(20*time.Millisecond), "req-1")

	select {
	case due := <-s.Expired():
		if len(due) != 1 || due[0].Info != "req-1" {
			t.Fatalf("unexpected expired batch: %+v", due)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the entry to expire")
	}
}

func TestService_BatchesSimultaneousExpiries(t *testing.T) {
	s := NewService(types.NewNopLogger())
	defer s.Stop()

	deadline := time.Now().Add(20 * time.Millisecond)
	s.Schedule(KindRequest, deadline, "a")
	s.Schedule(KindRequest, deadline, "b")
	s.Schedule(KindViewChange, deadline, "c")

	select {
	case due := <-s.Expired():
		if len(due) != 3 {
			t.Fatalf("expected all 3 simultaneous entries batched together, got %d", len(due))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the batch to expire")
	}
}

func TestService_CancelPreventsDelivery(t *testing.T) {
	s := NewService(types.NewNopLogger())
	defer s.Stop()

	id := s.Schedule(KindCheckpoint, time.Now().Add(20*time.Millisecond), "doomed")
	if !s.Cancel(id) {
		t.Fatal("expected cancel of a pending entry to succeed")
	}
	if s.Cancel(id) {
		t.Fatal("expected a second cancel of the same id to report false")
	}

	select {
	case due := <-s.Expired():
		t.Fatalf("expected no delivery after cancel, got %+v", due)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_EarlierScheduleWakesTheRunLoop(t *testing.T) {
	s := NewService(types.NewNopLogger())
	defer s.Stop()

	// Arm a far-future entry first; the run loop's timer is parked on
	// it. A subsequent, much sooner schedule must wake the loop rather
	// than waiting out the first timer.
	s.Schedule(KindRequest, time.Now().Add(time.Hour), "late")
	s.Schedule(KindRequest, time.Now().Add(10*time.Millisecond), "soon")

	select {
	case due := <-s.Expired():
		if len(due) != 1 || due[0].Info != "soon" {
			t.Fatalf("expected the sooner entry to fire first, got %+v", due)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the sooner entry; run loop likely did not wake early")
	}
}
