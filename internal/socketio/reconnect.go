package socketio

import "time"

// Reconnect decides whether and when a dropped connection is re-established.
type Reconnect interface {
	// Next returns the delay before reconnect attempt n (starting at 1) and
	// false when no further attempt should be made.
	Next(attempt int) (time.Duration, bool)
}

// NoReconnect never re-establishes a dropped connection.
type NoReconnect struct{}

func (NoReconnect) Next(int) (time.Duration, bool) { return 0, false }

// ExponentialBackoff doubles the delay after every failed attempt, capped at Max.
// MaxRetries <= 0 retries forever.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultBackoff mirrors the delays socket.io clients use out of the box.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		MaxRetries: 0,
	}
}

func (b ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxRetries > 0 && attempt > b.MaxRetries {
		return 0, false
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay, true
}
