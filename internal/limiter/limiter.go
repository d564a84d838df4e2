// Package limiter implements the polling rate limits applied to waiting
// room callers.  Two implementations exist: a Redis-backed sliding
// window shared across serving instances, and an in-process fallback
// with identical semantics for single-instance deployments.  Both damp
// abusive polling; neither is part of capacity enforcement, which lives
// entirely in the session store's transactions.
package limiter

import (
	"context"
	"time"
)

// Limiter answers whether one more request from the given key fits
// inside its sliding window.  When the budget is exhausted, retryAfter
// tells the caller how long to back off before the oldest request in
// the window ages out.  Implementations must treat backend failures as
// their own error; callers fail open on err so that a limiter outage
// never blocks checkout traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}
