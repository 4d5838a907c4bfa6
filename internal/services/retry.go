package services

import (
	"context"
	"errors"
	"log"
	"time"
)

// RetryOnLockTimeout re-runs fn while it fails with ErrLockTimeout, doubling the delay each time
func RetryOnLockTimeout(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrLockTimeout) {
			return err
		}
		if attempt == attempts {
			break
		}
		log.Printf("[LEDGER] Lock timeout, retrying (attempt %d/%d) in %v", attempt, attempts, delay)
		select {
		case <-ctx.Done():
			return ErrLockTimeout
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
