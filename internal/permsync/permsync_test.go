package permsync

import (
	"context"
	"errors"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"

	"github.com/databiosphere/import-service/internal/model"
	authsvc "github.com/databiosphere/import-service/services/auth"
)

type fakeAuth struct {
	token    string
	tokenErr error
	policies []authsvc.Policy

	petCalls int
}

func (f *fakeAuth) PetToken(context.Context, string, string) (string, error) {
	f.petCalls++
	return f.token, f.tokenErr
}

func (f *fakeAuth) WorkspacePolicies(_ context.Context, _, token string) ([]authsvc.Policy, error) {
	if token != f.token {
		return nil, errors.New("wrong token")
	}
	return f.policies, nil
}

type fakeDatarepo struct {
	added   []string
	failFor map[string]bool
}

func (f *fakeDatarepo) AddSnapshotReader(_ context.Context, _, email, _ string) error {
	if f.failFor[email] {
		return errors.New("datarepo refused")
	}
	f.added = append(f.added, email)
	return nil
}

func syncableImport() model.Import {
	return model.Import{
		ID:                     "imp-1",
		WorkspaceGoogleProject: "proj",
		WorkspaceUUID:          "ws-uuid",
		Submitter:              "alice@example.com",
		SnapshotID:             "snap-1",
		IsTDRSyncRequired:      true,
	}
}

func TestSync(t *testing.T) {
	auth := &fakeAuth{
		token: "pet-token",
		policies: []authsvc.Policy{
			{Email: "readers@groups.example.com", Roles: []string{"reader"}},
			{Email: "writers@groups.example.com", Roles: []string{"writer"}},
			{Email: "owners@groups.example.com", Roles: []string{"owner"}},
			{Email: "project-owners@groups.example.com", Roles: []string{"project-owner"}},
			{Email: "auditors@groups.example.com", Roles: []string{"auditor"}},
		},
	}
	datarepo := &fakeDatarepo{}

	err := New(logger.NOP, stats.NOP, auth, datarepo).Sync(context.Background(), syncableImport())
	require.NoError(t, err)
	require.Equal(t, []string{
		"readers@groups.example.com",
		"writers@groups.example.com",
		"owners@groups.example.com",
		"project-owners@groups.example.com",
	}, datarepo.added, "only reader-capable policies are synced")
}

func TestSyncSkips(t *testing.T) {
	t.Run("sync not requested", func(t *testing.T) {
		auth := &fakeAuth{token: "t"}
		imp := syncableImport()
		imp.IsTDRSyncRequired = false

		require.NoError(t, New(logger.NOP, stats.NOP, auth, &fakeDatarepo{}).Sync(context.Background(), imp))
		require.Zero(t, auth.petCalls)
	})

	t.Run("no snapshot id", func(t *testing.T) {
		auth := &fakeAuth{token: "t"}
		imp := syncableImport()
		imp.SnapshotID = ""

		require.NoError(t, New(logger.NOP, stats.NOP, auth, &fakeDatarepo{}).Sync(context.Background(), imp))
		require.Zero(t, auth.petCalls)
	})
}

func TestSyncPetTokenFailure(t *testing.T) {
	auth := &fakeAuth{tokenErr: errors.New("no pet for you")}

	err := New(logger.NOP, stats.NOP, auth, &fakeDatarepo{}).Sync(context.Background(), syncableImport())
	require.Error(t, err)
}

func TestSyncContinuesPastIndividualFailures(t *testing.T) {
	auth := &fakeAuth{
		token: "pet-token",
		policies: []authsvc.Policy{
			{Email: "a@example.com", Roles: []string{"reader"}},
			{Email: "b@example.com", Roles: []string{"reader"}},
			{Email: "c@example.com", Roles: []string{"reader"}},
		},
	}
	datarepo := &fakeDatarepo{failFor: map[string]bool{"b@example.com": true}}

	err := New(logger.NOP, stats.NOP, auth, datarepo).Sync(context.Background(), syncableImport())
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com", "c@example.com"}, datarepo.added)
}
