package translate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/samber/lo"
	"github.com/xitongsys/parquet-go-source/gcs"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
	"github.com/databiosphere/import-service/jsonrs"
	"github.com/databiosphere/import-service/services/objstore"
)

// snapshotSaver records the snapshot id on the import row. Satisfied by
// repo.Imports.
type snapshotSaver interface {
	SaveSnapshotIDExclusively(ctx context.Context, id, snapshotID string) (bool, error)
}

// storageClientProvider builds the storage client used to open the exported
// parquet files, authenticated as the import submitter's pet identity.
type storageClientProvider func(ctx context.Context, imp *model.Import) (*storage.Client, error)

// TDRTranslator turns a snapshot-export manifest plus its parquet files into
// entities, one per row, referenced tables before referencing tables.
type TDRTranslator struct {
	logger    logger.Logger
	snapshots snapshotSaver
	clientFor storageClientProvider
	batchSize int
}

func NewTDRTranslator(conf *config.Config, log logger.Logger, snapshots snapshotSaver, clientFor storageClientProvider) *TDRTranslator {
	return &TDRTranslator{
		logger:    log.Child("tdr"),
		snapshots: snapshots,
		clientFor: clientFor,
		batchSize: conf.GetInt("ImportService.tdr.parquetBatchSize", 500),
	}
}

func (t *TDRTranslator) Translate(ctx context.Context, imp *model.Import, src io.Reader) (EntityIterator, error) {
	var manifest model.TDRManifest
	if err := jsonrs.NewDecoder(src).Decode(&manifest); err != nil {
		return nil, imperr.Wrap(imperr.FileTranslation, err, "parsing snapshot manifest")
	}
	if manifest.Snapshot.ID == "" {
		return nil, imperr.New(imperr.FileTranslation, "snapshot manifest has no snapshot id")
	}

	tables, err := ExportedTableOrder(&manifest)
	if err != nil {
		return nil, err
	}

	// Record the snapshot id before any rows flow, so permission sync can
	// find it no matter how the import ends.
	if _, err := t.snapshots.SaveSnapshotIDExclusively(ctx, imp.ID, manifest.Snapshot.ID); err != nil {
		return nil, imperr.Wrap(imperr.System, err, "saving snapshot id for import %s", imp.ID)
	}

	client, err := t.clientFor(ctx, imp)
	if err != nil {
		return nil, imperr.Wrap(imperr.System, err, "building storage client for parquet reads")
	}

	return &tdrIterator{
		translator: t,
		ctx:        ctx,
		client:     client,
		tables:     tables,
	}, nil
}

// ExportedTable is one snapshot table with exported parquet files, ready to
// emit.
type ExportedTable struct {
	Name       string
	PrimaryKey string
	Paths      []string
}

// ExportedTableOrder resolves which tables to emit and in what order:
// reverse-topological over the relationship graph, so a referenced table's
// entities exist before anything points at them. Tables without exported
// parquet files are skipped. Cycles are fatal.
func ExportedTableOrder(manifest *model.TDRManifest) ([]ExportedTable, error) {
	paths := map[string][]string{}
	for _, pt := range manifest.Format.Parquet.Location.Tables {
		if len(pt.Paths) > 0 {
			paths[pt.Name] = pt.Paths
		}
	}

	primaryKeys := map[string]string{}
	var names []string
	for _, table := range manifest.Snapshot.Tables {
		primaryKeys[table.Name] = table.ResolvedPrimaryKey()
		if _, ok := paths[table.Name]; ok {
			names = append(names, table.Name)
		}
	}
	sort.Strings(names)

	// Edge from referencing table to referenced table, but only when the
	// relationship targets the referenced table's primary key; anything else
	// is a plain reference attribute, not an ordering constraint.
	exported := lo.SliceToMap(names, func(n string) (string, bool) { return n, true })
	edges := map[string][]string{}
	indegree := map[string]int{}
	for _, rel := range manifest.Snapshot.Relationships {
		if rel.To.Column != primaryKeys[rel.To.Table] {
			continue
		}
		if !exported[rel.From.Table] || !exported[rel.To.Table] {
			continue
		}
		edges[rel.From.Table] = append(edges[rel.From.Table], rel.To.Table)
		indegree[rel.To.Table]++
	}

	// Kahn's algorithm; the queue stays sorted so order is deterministic.
	var queue []string
	for _, n := range names {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, to := range edges[n] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
		sort.Strings(queue)
	}
	if len(order) != len(names) {
		return nil, imperr.New(imperr.FileTranslation, "snapshot %s has circular table relationships", manifest.Snapshot.Name)
	}

	// Kahn emits referencing before referenced; reverse it.
	tables := make([]ExportedTable, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		tables = append(tables, ExportedTable{
			Name:       name,
			PrimaryKey: primaryKeys[name],
			Paths:      paths[name],
		})
	}
	return tables, nil
}

type tdrIterator struct {
	translator *TDRTranslator
	ctx        context.Context
	client     *storage.Client

	tables    []ExportedTable
	tableIdx  int
	pathIdx   int
	pr        *reader.ParquetReader
	pf        source.ParquetFile
	colNames  map[string]string
	remaining int64

	batch    []map[string]any
	batchPos int
}

func (it *tdrIterator) Next() (*model.Entity, error) {
	for {
		if it.batchPos < len(it.batch) {
			row := it.batch[it.batchPos]
			it.batchPos++
			return it.rowToEntity(row)
		}

		if it.pr != nil && it.remaining > 0 {
			if err := it.readBatch(); err != nil {
				return nil, err
			}
			continue
		}

		it.closeCurrentFile()
		if err := it.openNextFile(); err != nil {
			return nil, err
		}
	}
}

// openNextFile advances to the next parquet file, or returns io.EOF when all
// tables are drained.
func (it *tdrIterator) openNextFile() error {
	for it.tableIdx < len(it.tables) {
		table := it.tables[it.tableIdx]
		if it.pathIdx >= len(table.Paths) {
			it.tableIdx++
			it.pathIdx = 0
			continue
		}
		path := table.Paths[it.pathIdx]
		it.pathIdx++

		bucket, object, err := objstore.ParseGSURL(path)
		if err != nil {
			return imperr.Wrap(imperr.FileTranslation, err, "parquet path for table %s", table.Name)
		}
		pf, err := gcs.NewGcsFileReaderWithClient(it.ctx, it.client, "", bucket, object)
		if err != nil {
			return imperr.Wrap(imperr.FileTranslation, err, "opening parquet file %s", path)
		}
		pr, err := reader.NewParquetReader(pf, nil, 1)
		if err != nil {
			_ = pf.Close()
			return imperr.Wrap(imperr.FileTranslation, err, "reading parquet footer of %s", path)
		}

		it.pf = pf
		it.pr = pr
		it.remaining = pr.GetNumRows()
		it.colNames = columnNames(pr)
		return nil
	}
	return io.EOF
}

// readBatch pulls up to batchSize rows from the open file and converts them to
// maps keyed by the parquet column names.
func (it *tdrIterator) readBatch() error {
	n := int64(it.translator.batchSize)
	if it.remaining < n {
		n = it.remaining
	}
	res, err := it.pr.ReadByNumber(int(n))
	if err != nil {
		return imperr.Wrap(imperr.FileTranslation, err, "reading parquet rows")
	}
	it.remaining -= int64(len(res))

	raw, err := jsonrs.Marshal(res)
	if err != nil {
		return imperr.Wrap(imperr.FileTranslation, err, "converting parquet rows")
	}
	var rows []map[string]any
	dec := jsonrs.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return imperr.Wrap(imperr.FileTranslation, err, "converting parquet rows")
	}

	it.batch = it.batch[:0]
	for _, row := range rows {
		renamed := make(map[string]any, len(row))
		for k, v := range row {
			if ex, ok := it.colNames[k]; ok {
				k = ex
			}
			renamed[k] = v
		}
		it.batch = append(it.batch, renamed)
	}
	it.batchPos = 0

	if len(it.batch) == 0 && it.remaining > 0 {
		return imperr.New(imperr.FileTranslation, "parquet reader returned no rows with %d remaining", it.remaining)
	}
	return nil
}

func (it *tdrIterator) rowToEntity(row map[string]any) (*model.Entity, error) {
	table := it.tables[it.tableIdx]

	key, ok := row[table.PrimaryKey]
	if !ok || key == nil {
		return nil, imperr.New(imperr.FileTranslation, "table %s row has no %s value", table.Name, table.PrimaryKey)
	}

	columns := make([]string, 0, len(row))
	for k := range row {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	ops := make([]model.AttributeOperation, 0, len(columns))
	for _, column := range columns {
		if row[column] == nil {
			continue
		}
		ops = append(ops, model.AddUpdateAttribute(column, row[column]))
	}

	return &model.Entity{
		Name:       fmt.Sprintf("%v", key),
		EntityType: table.Name,
		Operations: ops,
	}, nil
}

// columnNames maps the reader's Go-ified field names back to the parquet
// column names.
func columnNames(pr *reader.ParquetReader) map[string]string {
	names := map[string]string{}
	for i, info := range pr.SchemaHandler.Infos {
		if i == 0 {
			continue
		}
		names[info.InName] = info.ExName
	}
	return names
}

func (it *tdrIterator) closeCurrentFile() {
	if it.pr != nil {
		it.pr.ReadStop()
		it.pr = nil
	}
	if it.pf != nil {
		_ = it.pf.Close()
		it.pf = nil
	}
}

func (it *tdrIterator) Close() error {
	it.closeCurrentFile()
	return it.client.Close()
}
