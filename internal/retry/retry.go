// Package retry implements the jittered backoff the publish HTTP handlers
// wrap around the coordinator's Begin and Commit for apterr.Retryable
// failures: Postgres serialization failures (CatalogConflict) and transient
// object-storage errors (StorageUnavailable). Exactly one concurrent
// publish-commit must win a race (spec §5, §8); the loser is retried here,
// inside the same request, so the client only ever sees the final outcome.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/aptpub/controlplane/internal/apterr"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is tuned for Postgres serialization failures: short base delay,
// capped spread, few attempts since a real conflict should resolve fast or
// not at all.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    250 * time.Millisecond,
}

// Do runs fn, retrying while it returns a retryable *apterr.Error, up to
// p.MaxAttempts. Delay between attempts is full jitter: a uniform random
// duration in [0, min(MaxDelay, BaseDelay*2^attempt)].
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !apterr.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.BaseDelay << attempt
		if delay > p.MaxDelay || delay <= 0 {
			delay = p.MaxDelay
		}
		jittered := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
	}
	return err
}
