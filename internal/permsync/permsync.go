// Package permsync propagates a workspace's readers onto the source snapshot
// after a snapshot import completes, so the data stays visible to everyone
// who can already see the workspace.
package permsync

import (
	"context"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/samber/lo"

	authsvc "github.com/databiosphere/import-service/services/auth"

	"github.com/databiosphere/import-service/internal/model"
)

// readerRoles are the workspace roles granted snapshot read access.
var readerRoles = []string{"reader", "writer", "owner", "project-owner"}

type authClient interface {
	PetToken(ctx context.Context, googleProject, userEmail string) (string, error)
	WorkspacePolicies(ctx context.Context, workspaceUUID, token string) ([]authsvc.Policy, error)
}

type snapshotPolicyClient interface {
	AddSnapshotReader(ctx context.Context, snapshotID, email, token string) error
}

type Syncer struct {
	logger logger.Logger
	stats  stats.Stats

	auth     authClient
	datarepo snapshotPolicyClient
}

func New(log logger.Logger, stat stats.Stats, auth authClient, datarepo snapshotPolicyClient) *Syncer {
	return &Syncer{
		logger:   log.Child("permsync"),
		stats:    stat,
		auth:     auth,
		datarepo: datarepo,
	}
}

// Sync registers every reader-capable workspace policy as a reader on the
// import's snapshot. Individual failures are logged and skipped; the sync as
// a whole is best-effort and never reverts the import.
func (s *Syncer) Sync(ctx context.Context, imp model.Import) error {
	if !imp.IsTDRSyncRequired || imp.SnapshotID == "" {
		return nil
	}

	token, err := s.auth.PetToken(ctx, imp.WorkspaceGoogleProject, imp.Submitter)
	if err != nil {
		return err
	}

	policies, err := s.auth.WorkspacePolicies(ctx, imp.WorkspaceUUID, token)
	if err != nil {
		return err
	}

	readers := lo.Filter(policies, func(p authsvc.Policy, _ int) bool {
		return len(lo.Intersect(p.Roles, readerRoles)) > 0
	})

	for _, policy := range readers {
		if err := s.datarepo.AddSnapshotReader(ctx, imp.SnapshotID, policy.Email, token); err != nil {
			s.logger.Errorf("import %s: adding %s as reader on snapshot %s failed: %v",
				imp.ID, policy.Email, imp.SnapshotID, err)
			s.stats.NewTaggedStat("permsync_adds", stats.CountType, stats.Tags{"outcome": "failure"}).Increment()
			continue
		}
		s.stats.NewTaggedStat("permsync_adds", stats.CountType, stats.Tags{"outcome": "success"}).Increment()
	}

	s.logger.Infof("import %s: synced %d readers onto snapshot %s", imp.ID, len(readers), imp.SnapshotID)
	return nil
}
