package conversation

import (
	"time"

	"github.com/jeeves-cluster-organization/callflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/callflow/coreengine/recovery"
)

// startSweepLoop starts a background goroutine that periodically removes
// expired contexts. Returns a stop function; a negative interval returns a
// no-op stop.
func (s *Store) startSweepLoop(interval time.Duration) func() {
	if interval < 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.runSweepCycle()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runSweepCycle performs a single sweep with panic recovery so one bad
// expiry hook cannot end the loop.
func (s *Store) runSweepCycle() {
	_ = recovery.SafeExecute(s.logger, "context_sweep", func() error {
		s.Sweep()
		return nil
	})
}

// Sweep removes every context whose last update is older than the TTL and
// returns snapshots of the removed contexts. Contexts busy in another
// operation are left for the next sweep.
func (s *Store) Sweep() []*Context {
	cutoff := s.timestamp().Add(-s.config.TTL)

	removed := s.calls.Sweep(func(_ string, c *Context) bool {
		return c.UpdatedAt.Before(cutoff)
	})
	if len(removed) == 0 {
		return nil
	}

	snapshots := make([]*Context, len(removed))
	for i, c := range removed {
		snapshots[i] = c.Clone()
	}

	observability.RecordContextsExpired(len(removed))
	observability.SetActiveContexts(s.calls.Len())
	if s.logger != nil {
		s.logger.Info("contexts_expired",
			"count", len(removed),
			"remaining", s.calls.Len(),
		)
	}

	for _, snap := range snapshots {
		for _, hook := range s.onExpire {
			hook(snap)
		}
	}
	return snapshots
}
