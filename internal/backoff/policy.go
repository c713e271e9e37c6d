// Package backoff computes reconnect delays with exponential growth and
// optional jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor multiplies the delay after each failed attempt.
	Factor float64
	// Jitter adds up to this fraction of the base delay at random.
	Jitter float64
}

// ReconnectPolicy is the worker reconnect schedule: 5s doubling up to 60s.
func ReconnectPolicy() Policy {
	return Policy{Initial: 5 * time.Second, Max: time.Minute, Factor: 2}
}

// Delay returns the wait after failed attempt number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	if p.Factor < 1 {
		p.Factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
