// Package backoff implements the fixed exponential reconnect delay shared by
// both sync engines: stepped delays with random jitter, reset on success.
package backoff

import (
	"math/rand"
	"time"
)

// DefaultSteps is the reconnect ladder both engines use. The last step
// repeats until the next successful connection.
var DefaultSteps = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// DefaultJitter is the maximum random addition on top of each step.
const DefaultJitter = 200 * time.Millisecond

// Backoff walks a fixed ladder of delays. Not safe for concurrent use; each
// engine owns its own instance.
type Backoff struct {
	steps  []time.Duration
	jitter time.Duration
	slot   int
}

// New returns a backoff over the given ladder. Nil or empty steps fall back
// to DefaultSteps.
func New(steps []time.Duration, jitter time.Duration) *Backoff {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	return &Backoff{steps: steps, jitter: jitter}
}

// Next returns the delay to wait before the next attempt and advances the
// ladder, capping at the last step.
func (b *Backoff) Next() time.Duration {
	step := b.steps[b.slot]
	if b.slot < len(b.steps)-1 {
		b.slot++
	}
	if b.jitter > 0 {
		step += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	return step
}

// Reset rewinds the ladder after a successful connection.
func (b *Backoff) Reset() {
	b.slot = 0
}

// Wait sleeps for the next delay or until done closes, whichever is first.
// Reports false when done fired.
func (b *Backoff) Wait(done <-chan struct{}) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
