// pkg/retry/retry.go - functions for retrying actions with exponential backoff.

package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/windowsadmins/ztsetup/pkg/logging"
)

// ErrExhausted is returned (wrapped) when every attempt has failed.
var ErrExhausted = errors.New("all attempts failed")

// Config defines the configuration for retry attempts.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
}

// Do retries a given action with exponential backoff until it succeeds or the
// attempt budget is spent. The last error is wrapped into the exhausted error.
func Do(cfg Config, action func() error) error {
	interval := cfg.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = action()
		if lastErr == nil {
			return nil
		}

		if attempt < cfg.MaxAttempts {
			logging.Warn("Attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"retry_delay", interval.String(),
				"error", lastErr,
			)
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * cfg.Multiplier)
		} else {
			logging.Warn("Attempt failed, no more retries",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"error", lastErr,
			)
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, cfg.MaxAttempts, lastErr)
}
