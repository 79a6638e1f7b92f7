// Package janitor times out imports stuck in non-terminal states, the final
// backstop when a worker dies mid-flight.
package janitor

import (
	"context"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/databiosphere/import-service/internal/model"
)

type importStore interface {
	GetStalled(ctx context.Context, olderThan time.Duration) ([]model.Import, error)
	UpdateStatusExclusively(ctx context.Context, id string, expected, next model.ImportStatus) (bool, error)
}

type Janitor struct {
	logger logger.Logger
	stats  stats.Stats
	store  importStore

	interval time.Duration
	maxAge   time.Duration
}

func New(conf *config.Config, log logger.Logger, stat stats.Stats, store importStore) *Janitor {
	return &Janitor{
		logger:   log.Child("janitor"),
		stats:    stat,
		store:    store,
		interval: conf.GetDuration("ImportService.janitor.interval", 30, time.Minute),
		maxAge:   conf.GetDuration("ImportService.janitor.maxAge", 48, time.Hour),
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Errorf("sweep failed: %v", err)
			}
		}
	}
}

// Sweep times out every stalled import. The compare-and-set keeps the sweep
// safe against rows that progress concurrently: a row that moved since listing
// is simply skipped.
func (j *Janitor) Sweep(ctx context.Context) error {
	stalled, err := j.store.GetStalled(ctx, j.maxAge)
	if err != nil {
		return err
	}

	timedOut := 0
	for _, imp := range stalled {
		updated, err := j.store.UpdateStatusExclusively(ctx, imp.ID, imp.Status, model.ImportStatusTimedOut)
		if err != nil {
			j.logger.Errorf("import %s: timing out failed: %v", imp.ID, err)
			continue
		}
		if updated {
			j.logger.Warnf("import %s: timed out after %s in status %s", imp.ID, j.maxAge, imp.Status)
			timedOut++
		}
	}

	if timedOut > 0 {
		j.stats.NewTaggedStat("janitor_timeouts", stats.CountType, stats.Tags{}).Count(timedOut)
	}
	return nil
}
