package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"

	"github.com/databiosphere/import-service/internal/model"
)

type fakeStore struct {
	stalled    []model.Import
	stalledErr error

	casSeen map[string][2]model.ImportStatus
	casFail map[string]bool
}

func (f *fakeStore) GetStalled(context.Context, time.Duration) ([]model.Import, error) {
	return f.stalled, f.stalledErr
}

func (f *fakeStore) UpdateStatusExclusively(_ context.Context, id string, expected, next model.ImportStatus) (bool, error) {
	if f.casSeen == nil {
		f.casSeen = map[string][2]model.ImportStatus{}
	}
	f.casSeen[id] = [2]model.ImportStatus{expected, next}
	return !f.casFail[id], nil
}

func TestSweep(t *testing.T) {
	t.Run("stalled rows are timed out from their current status", func(t *testing.T) {
		store := &fakeStore{stalled: []model.Import{
			{ID: "imp-1", Status: model.ImportStatusTranslating},
			{ID: "imp-2", Status: model.ImportStatusUpserting},
		}}
		j := New(config.New(), logger.NOP, stats.NOP, store)

		require.NoError(t, j.Sweep(context.Background()))
		require.Equal(t, [2]model.ImportStatus{model.ImportStatusTranslating, model.ImportStatusTimedOut}, store.casSeen["imp-1"])
		require.Equal(t, [2]model.ImportStatus{model.ImportStatusUpserting, model.ImportStatusTimedOut}, store.casSeen["imp-2"])
	})

	t.Run("rows that progressed since listing are left alone", func(t *testing.T) {
		store := &fakeStore{
			stalled: []model.Import{{ID: "imp-1", Status: model.ImportStatusTranslating}},
			casFail: map[string]bool{"imp-1": true},
		}
		j := New(config.New(), logger.NOP, stats.NOP, store)

		// The failed compare-and-set is not an error; the row simply moved.
		require.NoError(t, j.Sweep(context.Background()))
	})

	t.Run("listing failure propagates", func(t *testing.T) {
		store := &fakeStore{stalledErr: errors.New("db down")}
		j := New(config.New(), logger.NOP, stats.NOP, store)

		require.Error(t, j.Sweep(context.Background()))
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	c := config.New()
	c.Set("ImportService.janitor.interval", "10ms")

	store := &fakeStore{}
	j := New(c, logger.NOP, stats.NOP, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on cancel")
	}
}
