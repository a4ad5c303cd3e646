package stream

import "time"

const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second
)

// ReconnectDelay is how long to wait before reconnect attempt number attempt (0-based):
// 1s, 2s, 4s, 8s, 16s, then 30s forever.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^5 * 1s already exceeds the cap, so stop shifting before it can overflow
	if attempt >= 5 {
		return maxDelay
	}
	d := baseDelay << uint(attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
