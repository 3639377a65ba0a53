package upstream

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pypimirror/pypimirror/pkg/errors"
)

const (
	// staleRetries is how many times a stale-serial response is retried
	// before the package counts as failed for this run.
	staleRetries = 3

	initialBackoff = 2 * time.Second
)

// WithStaleRetry runs fn, retrying with exponential backoff while it fails
// with errors.StaleSerial. Any other error, or exhausting the attempts,
// returns the last error.
func WithStaleRetry(clock clockwork.Clock, fn func() error) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if _, stale := errors.RootCause(err).(errors.StaleSerial); !stale {
			return err
		}
		if attempt >= staleRetries {
			return err
		}

		clock.Sleep(backoff)
		backoff *= 2
	}
}
