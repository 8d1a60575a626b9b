package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/roomsyncd/internal/contracts"
	"github.com/dokzlo13/roomsyncd/internal/eventbus"
	"github.com/dokzlo13/roomsyncd/internal/redistest"
	"github.com/dokzlo13/roomsyncd/internal/schedule"
)

// fakeClock pins the engine's notion of now so curve evaluation and the
// re-publish interval are deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 29, hour, minute, 0, 0, time.Local)
}

func newTestPublisher(t *testing.T, srv *redistest.Server, clock *fakeClock) *Engine {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Close(ctx)
	})

	e := New(Config{
		Addr:               srv.Addr(),
		DialTimeout:        time.Second,
		ReadTimeout:        500 * time.Millisecond,
		TrimLen:            200,
		Interval:           10 * time.Millisecond,
		MinPublishInterval: time.Hour,
		OverrideMinDelta:   2,
		BackoffSteps:       []time.Duration{10 * time.Millisecond},
		BackoffJitter:      time.Millisecond,
	}, schedule.Default(), StaticRoom("7"), bus)
	e.now = clock.Now

	if err := e.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { e.client.Session().Stop() })
	return e
}

func TestSeededIdenticalCandidateIsNotRepublished(t *testing.T) {
	srv, err := redistest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	// 07:10 sits in the post-wake hold window of the default curve, so the
	// schedule says on/100. The store already holds exactly that at ver 5.
	srv.SetString(contracts.KeyDesired("7"), `{"mode":"on","brightness":100,"ver":5}`)
	clock := &fakeClock{now: at(7, 10)}
	e := newTestPublisher(t, srv, clock)

	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if n := srv.StreamLen(contracts.StreamCmd("7")); n != 0 {
		t.Fatalf("identical candidate republished: %d stream entries", n)
	}
	if got := e.Status().LocalVer; got != 5 {
		t.Errorf("local ver = %d, want seeded 5", got)
	}

	// Deep night flips the candidate to off/0: that is a change, and it
	// goes out with the next version.
	clock.Set(at(3, 0))
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads := srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 1 {
		t.Fatalf("got %d stream entries, want 1", len(payloads))
	}
	want := `{"mode":"off","brightness":0,"ver":6,"room":"7"}`
	if payloads[0] != want {
		t.Errorf("published payload = %s, want %s", payloads[0], want)
	}
	if got, _ := srv.GetString(contracts.KeyDesired("7")); got != want {
		t.Errorf("snapshot = %s, want %s", got, want)
	}
}

func TestColdStartPublishesVersionOne(t *testing.T) {
	srv, err := redistest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	clock := &fakeClock{now: at(7, 10)}
	e := newTestPublisher(t, srv, clock)

	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads := srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 1 {
		t.Fatalf("got %d stream entries, want 1", len(payloads))
	}
	want := `{"mode":"on","brightness":100,"ver":1,"room":"7"}`
	if payloads[0] != want {
		t.Errorf("published payload = %s, want %s", payloads[0], want)
	}
}

func TestOverrideToggleForcesPublish(t *testing.T) {
	srv, err := redistest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	srv.SetString(contracts.KeyDesired("7"), `{"mode":"on","brightness":100,"ver":5}`)
	clock := &fakeClock{now: at(7, 10)}
	e := newTestPublisher(t, srv, clock)

	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if n := srv.StreamLen(contracts.StreamCmd("7")); n != 0 {
		t.Fatalf("unexpected publish before override: %d entries", n)
	}

	// The override lands at the same brightness the schedule already
	// holds; activation alone must still force a publish.
	e.SetOverride(Override{Active: true, Brightness: 100})
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads := srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 1 {
		t.Fatalf("got %d entries after override toggle, want 1", len(payloads))
	}
	if want := `{"mode":"on","brightness":100,"ver":6,"room":"7"}`; payloads[0] != want {
		t.Errorf("payload = %s, want %s", payloads[0], want)
	}

	// Knob jitter below the hysteresis threshold is swallowed.
	e.SetOverride(Override{Active: true, Brightness: 101})
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if n := srv.StreamLen(contracts.StreamCmd("7")); n != 1 {
		t.Fatalf("sub-threshold knob movement published: %d entries", n)
	}

	// A real turn of the knob goes through.
	e.SetOverride(Override{Active: true, Brightness: 50})
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads = srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 2 {
		t.Fatalf("got %d entries after knob turn, want 2", len(payloads))
	}
	if want := `{"mode":"on","brightness":50,"ver":7,"room":"7"}`; payloads[1] != want {
		t.Errorf("payload = %s, want %s", payloads[1], want)
	}

	// Deactivating hands control back to the schedule and forces the
	// schedule state out.
	e.SetOverride(Override{Active: false})
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads = srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 3 {
		t.Fatalf("got %d entries after release, want 3", len(payloads))
	}
	if want := `{"mode":"on","brightness":100,"ver":8,"room":"7"}`; payloads[2] != want {
		t.Errorf("payload = %s, want %s", payloads[2], want)
	}
}

func TestOverrideRefreshesAtMinInterval(t *testing.T) {
	srv, err := redistest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	clock := &fakeClock{now: at(12, 0)}
	e := newTestPublisher(t, srv, clock)
	e.cfg.MinPublishInterval = 30 * time.Second

	e.SetOverride(Override{Active: true, Brightness: 80})
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if n := srv.StreamLen(contracts.StreamCmd("7")); n != 1 {
		t.Fatalf("got %d entries, want 1", n)
	}

	// Unchanged override inside the window stays quiet.
	clock.Advance(10 * time.Second)
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if n := srv.StreamLen(contracts.StreamCmd("7")); n != 1 {
		t.Fatalf("republished inside the window: %d entries", n)
	}

	// Past the window the same state is re-asserted with a fresh version,
	// so a rebooting consumer still converges while the knob is held.
	clock.Advance(25 * time.Second)
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads := srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 2 {
		t.Fatalf("got %d entries past the window, want 2", len(payloads))
	}
	if want := `{"mode":"on","brightness":80,"ver":2,"room":"7"}`; payloads[1] != want {
		t.Errorf("payload = %s, want %s", payloads[1], want)
	}
}

func TestEpochReseedAfterReconnect(t *testing.T) {
	srv, err := redistest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	clock := &fakeClock{now: at(7, 10)}
	e := newTestPublisher(t, srv, clock)

	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if got := e.Status().LocalVer; got != 1 {
		t.Fatalf("local ver = %d, want 1", got)
	}

	// A lost session invalidates the counter; the next epoch re-seeds
	// from the snapshot this engine wrote, so versions keep advancing
	// instead of restarting at 1.
	e.client.Session().Stop()
	e.resetEpoch()
	if err := e.connect(); err != nil {
		t.Fatal(err)
	}

	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	if n := srv.StreamLen(contracts.StreamCmd("7")); n != 1 {
		t.Fatalf("unchanged state republished after reseed: %d entries", n)
	}
	if got := e.Status().LocalVer; got != 1 {
		t.Errorf("reseeded ver = %d, want 1", got)
	}

	clock.Set(at(3, 0))
	if err := e.Evaluate("7"); err != nil {
		t.Fatal(err)
	}
	payloads := srv.StreamPayloads(contracts.StreamCmd("7"))
	if len(payloads) != 2 {
		t.Fatalf("got %d entries, want 2", len(payloads))
	}
	if want := `{"mode":"off","brightness":0,"ver":2,"room":"7"}`; payloads[1] != want {
		t.Errorf("payload = %s, want %s", payloads[1], want)
	}
}
