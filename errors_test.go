package picodaq

import (
	"fmt"
	"testing"
)

func TestErrorRingOverflow(t *testing.T) {
	r := NewErrorRing(ErrorRingCapacity)
	for i := 0; i < ErrorRingCapacity+2; i++ {
		r.Push(ErrDriver, fmt.Sprintf("error %d", i))
	}
	snap := r.Snapshot()
	if len(snap) != ErrorRingCapacity {
		t.Fatalf("snapshot has %d entries, want %d", len(snap), ErrorRingCapacity)
	}
	if snap[0].Msg != "error 2" {
		t.Errorf("oldest entry is %q, want %q", snap[0].Msg, "error 2")
	}
	last := snap[len(snap)-1]
	if last.Msg != fmt.Sprintf("error %d", ErrorRingCapacity+1) {
		t.Errorf("newest entry is %q, want error %d", last.Msg, ErrorRingCapacity+1)
	}
}

func TestErrorRingPartial(t *testing.T) {
	r := NewErrorRing(8)
	r.Push(ErrWatchdog, "slow")
	r.Push(ErrStopped, "bye")
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	if snap[0].Code != ErrWatchdog || snap[1].Code != ErrStopped {
		t.Errorf("snapshot codes are %v, %v; want watchdog, stopped", snap[0].Code, snap[1].Code)
	}
	if snap[0].Timestamp.IsZero() {
		t.Error("entry timestamp was not set")
	}
}

func TestCodeOf(t *testing.T) {
	if c := CodeOf(nil); c != ErrNone {
		t.Errorf("CodeOf(nil) = %v, want ErrNone", c)
	}
	if c := CodeOf(fmt.Errorf("plain")); c != ErrUnknown {
		t.Errorf("CodeOf(plain error) = %v, want ErrUnknown", c)
	}
	ae := acqErrorf(ErrWatchdog, "poll", "too slow")
	if c := CodeOf(ae); c != ErrWatchdog {
		t.Errorf("CodeOf(AcqError) = %v, want ErrWatchdog", c)
	}
	wrapped := fmt.Errorf("outer: %w", ae)
	if c := CodeOf(wrapped); c != ErrWatchdog {
		t.Errorf("CodeOf(wrapped AcqError) = %v, want ErrWatchdog", c)
	}
}
