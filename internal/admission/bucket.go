package admission

import (
	"math"
	"time"
)

// bucket is a token bucket refilled continuously. Capacity equals the
// request budget of its window, so a full bucket admits a burst of the whole
// budget and then refills at budget/window.
//
// Not safe for concurrent use; the Admitter serialises access.
type bucket struct {
	capacity     float64
	refillPerSec float64
	tokens       float64
	last         time.Time
}

func newBucket(budget int, window time.Duration, now time.Time) *bucket {
	cap := float64(budget)
	return &bucket{
		capacity:     cap,
		refillPerSec: cap / window.Seconds(),
		tokens:       cap,
		last:         now,
	}
}

// take attempts to consume one token. On refusal it reports how long the
// caller must wait for the next token to become available.
func (b *bucket) take(now time.Time) (ok bool, retryAfter time.Duration) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	secs := deficit / b.refillPerSec
	return false, time.Duration(math.Ceil(secs)) * time.Second
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	}
	b.last = now
}
