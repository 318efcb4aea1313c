package replay

import "time"

const (
	bucketCapacity = 10000.0
	baseTokenRate  = 1000.0 // tokens per second at 1x
)

// tokenBucket paces playback: sending a frame charges tokens proportional
// to the scaled original inter-arrival gap, refilled at the session rate.
type tokenBucket struct {
	tokens float64
	rate   float64 // tokens per second
	last   time.Time
}

func newTokenBucket(rateMultiplier float64) *tokenBucket {
	return &tokenBucket{
		tokens: baseTokenRate,
		rate:   baseTokenRate * rateMultiplier,
		last:   time.Now(),
	}
}

// tryConsume refills by elapsed wall clock and takes n tokens if
// available.
func (b *tokenBucket) tryConsume(n float64) bool {
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > bucketCapacity {
		b.tokens = bucketCapacity
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// reset restarts the refill clock, e.g. after a pause.
func (b *tokenBucket) reset() {
	b.last = time.Now()
}
