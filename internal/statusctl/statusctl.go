// Package statusctl applies externally-requested status transitions, guarding
// the import state machine's legality rules.
package statusctl

import (
	"context"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
)

// defaultErrorMessage is recorded when an external service errors an import
// without saying why.
const defaultErrorMessage = "External service set this import to Error"

type importStore interface {
	Get(ctx context.Context, id string) (model.Import, error)
	UpdateStatusExclusively(ctx context.Context, id string, expected, next model.ImportStatus) (bool, error)
	WriteError(ctx context.Context, id, message string) (bool, error)
	SaveSnapshotIDExclusively(ctx context.Context, id, snapshotID string) (bool, error)
}

type permissionSyncer interface {
	Sync(ctx context.Context, imp model.Import) error
}

type Controller struct {
	logger logger.Logger
	stats  stats.Stats

	store importStore
	sync  permissionSyncer
}

func New(log logger.Logger, stat stats.Stats, store importStore, sync permissionSyncer) *Controller {
	return &Controller{
		logger: log.Child("status"),
		stats:  stat,
		store:  store,
		sync:   sync,
	}
}

// Apply handles one status message. The message's current_status is only a
// hint; the row's actual status is the guard. Illegal transitions are typed
// errors the dispatcher turns into nacks.
func (c *Controller) Apply(ctx context.Context, attrs map[string]string) error {
	importID := attrs["import_id"]
	if importID == "" {
		return imperr.New(imperr.BadJson, "status message has no import_id")
	}
	newStatus, ok := model.ParseImportStatus(attrs["new_status"])
	if !ok {
		return imperr.New(imperr.BadJson, "status message has unknown new_status %q", attrs["new_status"])
	}

	imp, err := c.store.Get(ctx, importID)
	if err != nil {
		return imperr.Wrap(imperr.NotFound, err, "import %s", importID)
	}

	if imp.Status.Terminal() {
		// Terminal rows are frozen entirely, snapshot_id included.
		c.logger.Warnf("import %s: refusing status change %s -> %s, row is terminal",
			importID, imp.Status, newStatus)
		return imperr.New(imperr.TerminalStatusChange,
			"import %s is %s and cannot change status", importID, imp.Status)
	}

	if snapshotID := attrs["snapshot_id"]; snapshotID != "" && imp.SnapshotID == "" {
		if _, err := c.store.SaveSnapshotIDExclusively(ctx, importID, snapshotID); err != nil {
			return imperr.Wrap(imperr.System, err, "saving snapshot id for import %s", importID)
		}
		imp.SnapshotID = snapshotID
	}

	if newStatus == model.ImportStatusError {
		message := attrs["error_message"]
		if message == "" {
			message = defaultErrorMessage
		}
		written, err := c.store.WriteError(ctx, importID, message)
		if err != nil {
			return imperr.Wrap(imperr.System, err, "recording error for import %s", importID)
		}
		if !written {
			c.logger.Warnf("import %s: error not recorded, row already terminal", importID)
			return nil
		}
		c.countTransition(newStatus)
		return nil
	}

	// Forward progress only: anything sideways or backwards is a protocol
	// violation by the sender.
	if !imp.Status.Before(newStatus) {
		return imperr.New(imperr.IllegalStatusChange,
			"import %s cannot move from %s to %s", importID, imp.Status, newStatus)
	}

	updated, err := c.store.UpdateStatusExclusively(ctx, importID, imp.Status, newStatus)
	if err != nil {
		return imperr.Wrap(imperr.System, err, "updating status for import %s", importID)
	}
	if !updated {
		// Another worker got there first; the redelivered or racing message
		// is already handled.
		c.logger.Infof("import %s: lost status race from %s to %s, nothing to do", importID, imp.Status, newStatus)
		return nil
	}
	c.countTransition(newStatus)

	if newStatus == model.ImportStatusDone {
		imp.Status = model.ImportStatusDone
		// Permission sync is best-effort: a failure here must not undo a
		// completed import.
		if err := c.sync.Sync(ctx, imp); err != nil {
			c.logger.Errorf("import %s: permission sync failed: %v", importID, err)
		}
	}
	return nil
}

func (c *Controller) countTransition(to model.ImportStatus) {
	c.stats.NewTaggedStat("status_transitions", stats.CountType, stats.Tags{
		"to": to.String(),
	}).Increment()
}
