package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	f := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	var fired []string
	f.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "late") })
	f.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "early") })
	stopped := f.AfterFunc(150*time.Millisecond, func() { fired = append(fired, "stopped") })
	if !stopped.Stop() {
		t.Fatal("expected stop to succeed")
	}

	f.Advance(150 * time.Millisecond)
	if len(fired) != 1 || fired[0] != "early" {
		t.Fatalf("unexpected fired timers %v", fired)
	}
	f.Advance(50 * time.Millisecond)
	if len(fired) != 2 || fired[1] != "late" {
		t.Fatalf("unexpected fired timers %v", fired)
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", f.Pending())
	}
}

func TestFakeTimerScheduledDuringAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	count := 0
	f.AfterFunc(10*time.Millisecond, func() {
		count++
		f.AfterFunc(10*time.Millisecond, func() { count++ })
	})
	f.Advance(25 * time.Millisecond)
	if count != 2 {
		t.Fatalf("expected chained timers to fire, got %d", count)
	}
	if got := f.Now().Sub(time.Unix(0, 0)); got != 25*time.Millisecond {
		t.Fatalf("unexpected clock position %v", got)
	}
}
