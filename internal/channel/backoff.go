// ABOUTME: Reconnect delay calculation with exponential growth and jitter.

package channel

import "time"

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 60 * time.Second
	jitterFraction     = 0.3
)

// ReconnectDelay returns min(1s * 2^attempt, 60s) plus jitter * 0.3 of that
// value. jitter is clamped to [0, 1].
func ReconnectDelay(attempt int, jitter float64) time.Duration {
	base := maxReconnectDelay
	if attempt >= 0 && attempt < 6 {
		base = min(baseReconnectDelay<<attempt, maxReconnectDelay)
	} else if attempt < 0 {
		base = baseReconnectDelay
	}

	jitter = max(0, min(jitter, 1))
	return base + time.Duration(jitter*jitterFraction*float64(base))
}
