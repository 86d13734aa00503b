package guild

import (
	"time"
)

// delay grows with each consecutive failure and the number of automatic attempts is bounded.
type ReconnectBackoff struct {
	BaseDelay time.Duration
	// zero means no cap
	MaxDelay    time.Duration
	MaxAttempts int
	// `BaseDelay * 2^(attempt-1)` instead of `BaseDelay * attempt`
	Exponential bool
}

func DefaultReconnectBackoff() ReconnectBackoff {
	return ReconnectBackoff{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// `attempt` is 1-based
func (self ReconnectBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	if self.Exponential {
		delay = self.BaseDelay
		for i := 1; i < attempt; i += 1 {
			delay *= 2
			if 0 < self.MaxDelay && self.MaxDelay <= delay {
				break
			}
		}
	} else {
		delay = self.BaseDelay * time.Duration(attempt)
	}
	if 0 < self.MaxDelay && self.MaxDelay < delay {
		delay = self.MaxDelay
	}
	return delay
}

// true when another automatic attempt may be scheduled after `attempts` failures
func (self ReconnectBackoff) CanRetry(attempts int) bool {
	return attempts < self.MaxAttempts
}
