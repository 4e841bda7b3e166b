package session

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"periscope/internal/metrics"
)

// Reaper periodically closes sessions idle past the configured TTL.
type Reaper struct {
	registry  *Registry
	ttl       time.Duration
	interval  time.Duration
	scheduler gocron.Scheduler
}

// NewReaper creates the reaper; Start schedules it.
func NewReaper(registry *Registry, ttl, interval time.Duration) (*Reaper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Reaper{
		registry:  registry,
		ttl:       ttl,
		interval:  interval,
		scheduler: scheduler,
	}, nil
}

// Start begins the periodic sweep.
func (r *Reaper) Start() error {
	if _, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(r.Sweep),
	); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.scheduler.Start()
	log.Printf("⏰ [REAPER] Sweeping every %v, session TTL %v", r.interval, r.ttl)
	return nil
}

// Stop shuts the scheduler down.
func (r *Reaper) Stop() error {
	return r.scheduler.Shutdown()
}

// Sweep closes every session idle past the TTL. Closing a session that is
// being torn down concurrently is a no-op thanks to Registry.Close being
// idempotent.
func (r *Reaper) Sweep() {
	cutoff := time.Now().Add(-r.ttl)
	for _, sess := range r.registry.List() {
		if sess.LastActiveAt().Before(cutoff) {
			log.Printf("🧹 [REAPER] Session %s idle since %s, closing",
				sess.ID, sess.LastActiveAt().Format(time.RFC3339))
			r.registry.Close(sess.ID)
			metrics.SessionsReaped.Inc()
		}
	}
}
