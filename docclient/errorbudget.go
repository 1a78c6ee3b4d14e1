package docclient

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrorBudget is a windowed rate tracker for API errors. When the trailing
// per-minute rate crosses the threshold, the client is declared
// unrecoverable.
type ErrorBudget struct {
	clock        clock.Clock
	window       time.Duration
	maxPerMinute float64

	mu    sync.Mutex
	times []time.Time
}

// NewErrorBudget builds a budget; clk may be nil for the real clock.
func NewErrorBudget(window time.Duration, maxPerMinute float64, clk clock.Clock) *ErrorBudget {
	if clk == nil {
		clk = clock.New()
	}
	return &ErrorBudget{clock: clk, window: window, maxPerMinute: maxPerMinute}
}

// Record notes one error and reports whether the budget is now exhausted.
func (b *ErrorBudget) Record() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.times = append(b.times, now)
	b.pruneLocked(now)
	return b.rateLocked() > b.maxPerMinute
}

// Rate returns the current trailing per-minute error rate.
func (b *ErrorBudget) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.clock.Now())
	return b.rateLocked()
}

// Reset forgets all recorded errors.
func (b *ErrorBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.times = nil
}

func (b *ErrorBudget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.times = kept
}

func (b *ErrorBudget) rateLocked() float64 {
	return float64(len(b.times)) / b.window.Minutes()
}
