// Package backoff computes bounded exponential retry delays.
package backoff

import (
	"context"
	"time"
)

// Policy parameterizes exponential backoff for one use site.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Stream is the reconnect policy for live stream ingestion.
func Stream() Policy {
	return Policy{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Delay returns the wait before retry number attempt (1-based). It is a pure
// function of the policy and attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	limit := p.Max
	if limit <= 0 {
		limit = p.Base
	}
	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(limit) {
			return limit
		}
	}
	if delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done.
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
