package reconnect

const (
	DefaultMaxDelay  = 60
	DefaultWarnAfter = 5
)

// Delay returns the wait before attempt in backoff units: 1, 2, 4, ... capped
// at maxDelay. Attempts below 1 are treated as the first attempt.
func Delay(attempt, maxDelay int) int {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return maxDelay
	}
	d := 1 << (attempt - 1)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
