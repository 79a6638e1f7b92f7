package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/databiosphere/import-service/internal/model"
)

// ErrNotFound is returned by Get when no row matches the id.
var ErrNotFound = errors.New("import not found")

const (
	importsTableName = "imports"
	importsColumns   = `
		id,
		workspace_namespace,
		workspace_name,
		workspace_uuid,
		workspace_google_project,
		submitter,
		import_url,
		filetype,
		is_upsert,
		is_tdr_sync_required,
		status,
		error_message,
		snapshot_id,
		submit_time,
		updated_at
	`
)

type Imports repo

func NewImports(db *sql.DB, opts ...Opt) *Imports {
	r := &Imports{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt((*repo)(r))
	}
	return r
}

func (i *Imports) Create(ctx context.Context, imp *model.Import) error {
	now := i.now()
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO `+importsTableName+` (
		  id, workspace_namespace, workspace_name, workspace_uuid,
		  workspace_google_project, submitter, import_url, filetype,
		  is_upsert, is_tdr_sync_required, status, error_message,
		  snapshot_id, submit_time, updated_at
		)
		VALUES
		  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`,
		imp.ID,
		imp.WorkspaceNamespace,
		imp.WorkspaceName,
		imp.WorkspaceUUID,
		imp.WorkspaceGoogleProject,
		imp.Submitter,
		imp.ImportURL,
		imp.Filetype.String(),
		imp.IsUpsert,
		imp.IsTDRSyncRequired,
		imp.Status.String(),
		imp.ErrorMessage,
		nullString(imp.SnapshotID),
		imp.SubmitTime,
		now,
	)
	if err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	return nil
}

func (i *Imports) Get(ctx context.Context, id string) (model.Import, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT
			`+importsColumns+`
		FROM
			`+importsTableName+`
		WHERE
			id = $1;
	`, id)

	imp, err := scanImport(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Import{}, ErrNotFound
	}
	if err != nil {
		return model.Import{}, fmt.Errorf("scanning import: %w", err)
	}
	return imp, nil
}

// List returns all imports for a workspace, optionally restricted to
// non-terminal rows, most recent first.
func (i *Imports) List(ctx context.Context, namespace, name string, runningOnly bool) ([]model.Import, error) {
	query := `
		SELECT
			` + importsColumns + `
		FROM
			` + importsTableName + `
		WHERE
			workspace_namespace = $1 AND workspace_name = $2
	`
	args := []any{namespace, name}
	if runningOnly {
		query += ` AND status != ALL($3)`
		args = append(args, pq.Array(terminalStatusStrings()))
	}
	query += ` ORDER BY submit_time DESC;`

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanImports(rows)
}

// UpdateStatusExclusively is the compare-and-set that serializes every
// progression of an import row. It returns false when the row was not in the
// expected status, meaning another worker owns it.
func (i *Imports) UpdateStatusExclusively(ctx context.Context, id string, expected, next model.ImportStatus) (bool, error) {
	res, err := i.db.ExecContext(ctx, `
		UPDATE
			`+importsTableName+`
		SET
			status = $1, updated_at = $2
		WHERE
			id = $3 AND status = $4;
	`,
		next.String(),
		i.now(),
		id,
		expected.String(),
	)
	if err != nil {
		return false, fmt.Errorf("executing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// WriteError moves a row to Error with a truncated message, from any
// non-terminal state. Rows already terminal are left alone; false is returned
// so the caller can log the attempt.
func (i *Imports) WriteError(ctx context.Context, id, message string) (bool, error) {
	res, err := i.db.ExecContext(ctx, `
		UPDATE
			`+importsTableName+`
		SET
			status = $1, error_message = $2, updated_at = $3
		WHERE
			id = $4 AND status != ALL($5);
	`,
		model.ImportStatusError.String(),
		model.TruncateErrorMessage(message),
		i.now(),
		id,
		pq.Array(terminalStatusStrings()),
	)
	if err != nil {
		return false, fmt.Errorf("executing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// SaveSnapshotIDExclusively sets snapshot_id if it is still null. Once set it
// never changes; false means a value was already there.
func (i *Imports) SaveSnapshotIDExclusively(ctx context.Context, id, snapshotID string) (bool, error) {
	res, err := i.db.ExecContext(ctx, `
		UPDATE
			`+importsTableName+`
		SET
			snapshot_id = $1, updated_at = $2
		WHERE
			id = $3 AND snapshot_id IS NULL;
	`,
		snapshotID,
		i.now(),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("executing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetStalled returns non-terminal rows submitted before now-olderThan.
func (i *Imports) GetStalled(ctx context.Context, olderThan time.Duration) ([]model.Import, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT
			`+importsColumns+`
		FROM
			`+importsTableName+`
		WHERE
			status != ALL($1) AND submit_time < $2;
	`,
		pq.Array(terminalStatusStrings()),
		i.now().Add(-olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanImports(rows)
}

func terminalStatusStrings() []string {
	terminal := model.TerminalStatuses()
	out := make([]string, 0, len(terminal))
	for _, s := range terminal {
		out = append(out, s.String())
	}
	return out
}

func scanImports(rows *sql.Rows) ([]model.Import, error) {
	var imports []model.Import
	for rows.Next() {
		imp, err := scanImport(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning import: %w", err)
		}
		imports = append(imports, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return imports, nil
}

func scanImport(scan func(...any) error) (model.Import, error) {
	var (
		imp        model.Import
		filetype   string
		status     string
		snapshotID sql.NullString
	)
	err := scan(
		&imp.ID,
		&imp.WorkspaceNamespace,
		&imp.WorkspaceName,
		&imp.WorkspaceUUID,
		&imp.WorkspaceGoogleProject,
		&imp.Submitter,
		&imp.ImportURL,
		&filetype,
		&imp.IsUpsert,
		&imp.IsTDRSyncRequired,
		&status,
		&imp.ErrorMessage,
		&snapshotID,
		&imp.SubmitTime,
		&imp.UpdatedAt,
	)
	if err != nil {
		return model.Import{}, err
	}
	imp.Filetype = model.Filetype(filetype)
	imp.Status = model.ImportStatus(status)
	if snapshotID.Valid {
		imp.SnapshotID = snapshotID.String
	}
	imp.SubmitTime = imp.SubmitTime.UTC()
	imp.UpdatedAt = imp.UpdatedAt.UTC()
	return imp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
