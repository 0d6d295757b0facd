package engine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalescesBursts(t *testing.T) {
	var fired atomic.Int32
	debouncer := NewDebouncer(30*time.Millisecond, func() { fired.Add(1) })

	for i := 0; i < 5; i++ {
		debouncer.Schedule()
		time.Sleep(5 * time.Millisecond)
	}
	if !debouncer.Pending() {
		t.Fatal("expected a pending run during the burst")
	}
	waitFor(t, func() bool { return fired.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one run, got %d", got)
	}
	if debouncer.Pending() {
		t.Fatal("expected no pending run after firing")
	}
}

func TestDebouncerCancelAndFlush(t *testing.T) {
	var fired atomic.Int32
	debouncer := NewDebouncer(time.Hour, func() { fired.Add(1) })

	if debouncer.Cancel() {
		t.Fatal("cancel without a schedule must report false")
	}
	debouncer.Schedule()
	if !debouncer.Cancel() {
		t.Fatal("expected cancel to drop the pending run")
	}
	if debouncer.Flush() {
		t.Fatal("flush without a pending run must not fire")
	}

	debouncer.Schedule()
	if !debouncer.Flush() {
		t.Fatal("expected flush to run the pending schedule")
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one run, got %d", got)
	}
}

func TestDebouncerStopIgnoresLaterSchedules(t *testing.T) {
	var fired atomic.Int32
	debouncer := NewDebouncer(5*time.Millisecond, func() { fired.Add(1) })
	debouncer.Stop()
	debouncer.Schedule()
	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 0 || debouncer.Pending() {
		t.Fatal("a stopped debouncer must not fire")
	}
}
