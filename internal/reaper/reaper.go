// Package reaper runs the periodic stale-session sweep.  Abandoned
// checkout sessions hold capacity until something retires them; the
// cleanup action does that on demand, and this package does the same on
// a fixed interval so capacity is reclaimed even when nobody calls in.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/iliyamo/virtual-waiting-room/internal/config"
	"github.com/iliyamo/virtual-waiting-room/internal/queue"
	"github.com/iliyamo/virtual-waiting-room/internal/repository"
	queue_publisher "github.com/iliyamo/virtual-waiting-room/internal/service"
)

// Reaper sweeps every event that has open sessions past the staleness
// threshold, expiring them and eagerly promoting waiting sessions into
// the freed capacity through the same repository primitive the cleanup
// action uses.
type Reaper struct {
	Sessions *repository.SessionRepo
	Cfg      config.AdmissionConfig

	// Injectable for tests; defaults to the RabbitMQ publisher.
	PublishPromoted func(ctx context.Context, ev queue.SessionPromotedEvent) error
	PublishExpired  func(ctx context.Context, ev queue.SessionsExpiredEvent) error
}

// New returns a Reaper bound to the session repository.
func New(sessions *repository.SessionRepo, cfg config.AdmissionConfig) *Reaper {
	return &Reaper{
		Sessions:        sessions,
		Cfg:             cfg,
		PublishPromoted: queue_publisher.PublishSessionPromoted,
		PublishExpired:  queue_publisher.PublishSessionsExpired,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.  A zero
// or negative interval disables the reaper entirely; deployments that
// prefer an external scheduler trigger cleanup through the API instead.
func (r *Reaper) Run(ctx context.Context) {
	if r.Cfg.SweepInterval <= 0 {
		log.Println("reaper: disabled (no sweep interval configured)")
		return
	}
	ticker := time.NewTicker(r.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over all events with stale open sessions.
// Each event is cleaned in its own transaction; a failure on one event
// is logged and does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.Cfg.StaleAfter)
	events, err := r.Sessions.StaleEvents(ctx, cutoff)
	if err != nil {
		log.Printf("reaper: listing stale events failed: %v", err)
		return
	}
	for _, eventID := range events {
		expired, promoted, err := r.Sessions.CleanupEvent(ctx, eventID, cutoff, r.Cfg.DefaultMaxConcurrent)
		if err != nil {
			log.Printf("reaper: cleanup of event %s failed: %v", eventID, err)
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if expired > 0 {
			log.Printf("reaper: event %s: expired %d stale sessions, promoted %d", eventID, expired, len(promoted))
			_ = r.PublishExpired(ctx, queue.SessionsExpiredEvent{
				EventID:      eventID,
				ExpiredCount: expired,
				ExpiredAt:    now,
				TriggeredBy:  "reaper",
			})
		}
		for _, p := range promoted {
			_ = r.PublishPromoted(ctx, queue.SessionPromotedEvent{
				EventID:         p.EventID,
				ClientSessionID: p.ClientSessionID,
				QueuedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
				PromotedAt:      now,
				PromotedBy:      "reaper",
			})
		}
	}
}
