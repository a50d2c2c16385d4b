// Package retention periodically sweeps tombstoned entities and prunes
// old conflict history, grounded on the host app's append-only/prune
// pattern for its sync history table.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/prabhask5/goal-planner/internal/entity"
	"github.com/prabhask5/goal-planner/internal/store"
	"github.com/prabhask5/goal-planner/internal/telemetry"
)

var log = telemetry.Component("retention")

// Sweeper hard-deletes soft-deleted rows and prunes conflict history older
// than TTL.
type Sweeper struct {
	Store *store.Store
	TTL   time.Duration
}

// Run performs one sweep pass across every known entity table plus
// conflict_history.
func (s *Sweeper) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-s.TTL).Format(time.RFC3339Nano)

	for _, k := range entity.All() {
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE deleted = 1 AND updated_at < ?`, k)
		if _, err := s.Store.DB().ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("retention: sweep %s: %w", k, err)
		}
	}

	if _, err := s.Store.DB().ExecContext(ctx, `DELETE FROM conflict_history WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("retention: prune conflict history: %w", err)
	}

	log.Debug().Str("cutoff", cutoff).Msg("retention sweep complete")
	return nil
}

// Loop runs Run on a ticker until ctx is cancelled.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("retention sweep failed")
			}
		}
	}
}
