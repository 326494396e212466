package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second

	assert.Equal(t, 30*time.Second, RetryDelay(1, base))
	assert.Equal(t, time.Minute, RetryDelay(2, base))
	assert.Equal(t, 2*time.Minute, RetryDelay(3, base))
	assert.Equal(t, 4*time.Minute, RetryDelay(4, base))
}

func TestRetryDelay_Ceiling(t *testing.T) {
	assert.Equal(t, maxRetryDelay, RetryDelay(20, 30*time.Second))
}

func TestRetryDelay_ZeroAttempts(t *testing.T) {
	assert.Equal(t, 30*time.Second, RetryDelay(0, 30*time.Second))
}
