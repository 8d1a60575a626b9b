package backoff

import (
	"testing"
	"time"
)

func TestLadderProgressionAndCap(t *testing.T) {
	steps := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	b := New(steps, 0)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond, // capped at the last step
		40 * time.Millisecond,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Errorf("step %d = %v, want %v", i, got, expected)
		}
	}

	b.Reset()
	if got := b.Next(); got != 10*time.Millisecond {
		t.Errorf("after reset = %v, want 10ms", got)
	}
}

func TestJitterBounds(t *testing.T) {
	b := New([]time.Duration{100 * time.Millisecond}, 50*time.Millisecond)
	for i := 0; i < 100; i++ {
		got := b.Next()
		if got < 100*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 150ms)", got)
		}
	}
}

func TestWaitStopsOnDone(t *testing.T) {
	b := New([]time.Duration{time.Minute}, 0)
	done := make(chan struct{})
	close(done)
	if b.Wait(done) {
		t.Error("Wait should report false when done is closed")
	}
}
