package model

import (
	"github.com/databiosphere/import-service/jsonrs"
)

// TDRManifest is the JSON descriptor for a snapshot export: the snapshot's
// tables and relationships plus the exported parquet file locations.
type TDRManifest struct {
	Snapshot TDRSnapshot `json:"snapshot"`
	Format   TDRFormat   `json:"format"`
}

type TDRSnapshot struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Tables        []TDRTable        `json:"tables"`
	Relationships []TDRRelationship `json:"relationships"`
}

type TDRTable struct {
	Name       string        `json:"name"`
	PrimaryKey TDRPrimaryKey `json:"primaryKey"`
}

// TDRPrimaryKey accepts the manifest's three spellings of a primary key:
// null, a scalar column name, or a list of column names.
type TDRPrimaryKey []string

func (pk *TDRPrimaryKey) UnmarshalJSON(data []byte) error {
	var scalar string
	if err := jsonrs.Unmarshal(data, &scalar); err == nil {
		*pk = TDRPrimaryKey{scalar}
		return nil
	}
	var list []string
	if err := jsonrs.Unmarshal(data, &list); err == nil {
		*pk = TDRPrimaryKey(list)
		return nil
	}
	// null or anything unexpected: no usable key.
	*pk = nil
	return nil
}

// TDRSyntheticRowID is the fallback key column every exported table carries.
const TDRSyntheticRowID = "datarepo_row_id"

// ResolvedPrimaryKey is the column used for entity names: the declared key if
// it is a scalar or a single-element list, the synthetic row id otherwise.
func (t TDRTable) ResolvedPrimaryKey() string {
	if len(t.PrimaryKey) == 1 && t.PrimaryKey[0] != "" {
		return t.PrimaryKey[0]
	}
	return TDRSyntheticRowID
}

type TDRRelationship struct {
	Name string       `json:"name"`
	From TDRColumnRef `json:"from"`
	To   TDRColumnRef `json:"to"`
}

type TDRColumnRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

type TDRFormat struct {
	Parquet TDRParquet `json:"parquet"`
}

type TDRParquet struct {
	Location TDRParquetLocation `json:"location"`
}

type TDRParquetLocation struct {
	Tables []TDRParquetTable `json:"tables"`
}

type TDRParquetTable struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}
