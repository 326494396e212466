package taskqueue

import "time"

const maxRetryDelay = 30 * time.Minute

// RetryDelay computes the backoff before the next attempt as a pure function
// of the post-claim attempt count, doubling per attempt up to a ceiling.
func RetryDelay(attempts int, baseDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
