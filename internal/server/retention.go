package server

import (
	"context"
	"time"
)

// RunRetention performs one retention pass: change-log entries older
// than RetentionDays are purged and per-table history is capped at
// MaxHistoryItems, oldest evicted first.
func (c *Coordinator) RunRetention(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.RetentionDays)
	purged, err := c.store.PurgeChangesBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	capped := 0
	tables, err := c.store.Tables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		n, err := c.store.CapTableHistory(ctx, table, c.cfg.MaxHistoryItems)
		if err != nil {
			return err
		}
		capped += n
	}

	if purged > 0 || capped > 0 {
		c.log.Info().
			Int("purged", purged).
			Int("capped", capped).
			Time("cutoff", cutoff).
			Msg("retention sweep completed")
	}
	return nil
}

// StartRetentionSweep runs the retention pass on SweepInterval until
// the context is cancelled.
func (c *Coordinator) StartRetentionSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.RunRetention(ctx); err != nil {
					c.log.Error().Err(err).Msg("retention sweep failed")
				}
			}
		}
	}()
}
