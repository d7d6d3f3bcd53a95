package capture

import "time"

// DefaultBackoffs are the reconnect delays used after consecutive failures
var DefaultBackoffs = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// Backoff walks a fixed delay ladder and stays on the last step
type Backoff struct {
	steps   []time.Duration
	attempt int
}

func NewBackoff(steps []time.Duration) *Backoff {
	if len(steps) == 0 {
		steps = DefaultBackoffs
	}
	return &Backoff{steps: steps}
}

// Next returns the delay for the current failure and advances the ladder
func (b *Backoff) Next() time.Duration {
	i := b.attempt
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	b.attempt++
	return b.steps[i]
}

// Reset returns to the first step after a successful read
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts reports consecutive failures since the last reset
func (b *Backoff) Attempts() int {
	return b.attempt
}
