package translate

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/stretchr/testify/require"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
)

// pfbTestSchema mirrors the PFB container shape: an Entity record whose object
// field is a union over the Metadata record and the data record types. Enum
// symbols are base64 of the real values, as PFB emits them:
// dmFsaWRhdGVk = "validated", cmVnaXN0ZXJlZA(==) = "registered".
const pfbTestSchema = `{
	"type": "record",
	"name": "Entity",
	"fields": [
		{"name": "id", "type": ["null", "string"]},
		{"name": "name", "type": "string"},
		{"name": "object", "type": [
			{"type": "record", "name": "Metadata", "fields": [
				{"name": "misc", "type": "string"}
			]},
			{"type": "record", "name": "submitted_aligned_reads", "fields": [
				{"name": "file_size", "type": "long"},
				{"name": "file_state", "type": {"type": "enum", "name": "file_state_values", "symbols": ["dmFsaWRhdGVk", "cmVnaXN0ZXJlZA"]}},
				{"name": "object_id", "type": "string"},
				{"name": "name", "type": "string"},
				{"name": "md5sum", "type": ["null", "string"]},
				{"name": "tags", "type": {"type": "array", "items": "string"}}
			]}
		]},
		{"name": "relations", "type": {"type": "array", "items": {
			"type": "record", "name": "Relation", "fields": [
				{"name": "dst_id", "type": "string"},
				{"name": "dst_name", "type": "string"}
			]
		}}}
	]
}`

func writePFB(t *testing.T, records []map[string]any) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: &buf, Schema: pfbTestSchema})
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Append([]any{r}))
	}
	return &buf
}

func metadataRecord() map[string]any {
	return map[string]any{
		"id":        nil,
		"name":      "Metadata",
		"object":    map[string]any{"Metadata": map[string]any{"misc": "ignored"}},
		"relations": []any{},
	}
}

func readsRecord(id string, fileState string, relations []any) map[string]any {
	return map[string]any{
		"id":   map[string]any{"string": id},
		"name": "submitted_aligned_reads",
		"object": map[string]any{"submitted_aligned_reads": map[string]any{
			"file_size":  int64(512),
			"file_state": fileState,
			"object_id":  "abc/123",
			"name":       "HG01101.cram",
			"md5sum":     nil,
			"tags":       []any{"wgs", "cram"},
		}},
		"relations": relations,
	}
}

func drainIterator(t *testing.T, it EntityIterator) []model.Entity {
	t.Helper()
	var out []model.Entity
	for {
		e, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, *e)
	}
}

func TestPFBTranslate(t *testing.T) {
	translator := NewPFBTranslator(config.New())

	src := writePFB(t, []map[string]any{
		metadataRecord(),
		readsRecord("HG01101_cram", "dmFsaWRhdGVk", []any{
			map[string]any{"dst_id": "sub-1", "dst_name": "subject"},
		}),
	})

	it, err := translator.Translate(context.Background(), &model.Import{}, src)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	entities := drainIterator(t, it)
	require.Len(t, entities, 1, "the Metadata record must not become an entity")

	entity := entities[0]
	require.Equal(t, "HG01101_cram", entity.Name)
	require.Equal(t, "submitted_aligned_reads", entity.EntityType)

	require.Equal(t, []model.AttributeOperation{
		model.AddUpdateAttribute("pfb:file_size", int64(512)),
		model.AddUpdateAttribute("pfb:file_state", "validated"),
		model.AddUpdateAttribute("pfb:submitted_aligned_reads_name", "HG01101.cram"),
		model.AddUpdateAttribute("pfb:object_id", "drs://abc/123"),
		model.RemoveAttribute("pfb:tags"),
		model.CreateAttributeValueList("pfb:tags"),
		model.AddListMember("pfb:tags", "wgs"),
		model.AddListMember("pfb:tags", "cram"),
		model.AddUpdateAttribute("pfb:subject", model.EntityReference{EntityType: "subject", EntityName: "sub-1"}),
	}, entity.Operations)
}

func TestPFBTranslateEnumPaddingRepair(t *testing.T) {
	translator := NewPFBTranslator(config.New())

	// "registered" base64-encodes with two padding characters, which PFB
	// strips to keep the symbol a valid avro name.
	src := writePFB(t, []map[string]any{readsRecord("r1", "cmVnaXN0ZXJlZA", []any{})})

	it, err := translator.Translate(context.Background(), &model.Import{}, src)
	require.NoError(t, err)
	entities := drainIterator(t, it)
	require.Len(t, entities, 1)

	require.Contains(t, entities[0].Operations, model.AddUpdateAttribute("pfb:file_state", "registered"))
}

func TestPFBTranslateTogglesOff(t *testing.T) {
	c := config.New()
	c.Set("ImportService.pfb.decodeEnums", false)
	c.Set("ImportService.pfb.prefixObjectIds", false)
	translator := NewPFBTranslator(c)

	src := writePFB(t, []map[string]any{readsRecord("r1", "dmFsaWRhdGVk", []any{})})
	it, err := translator.Translate(context.Background(), &model.Import{}, src)
	require.NoError(t, err)
	entities := drainIterator(t, it)
	require.Len(t, entities, 1)

	require.Contains(t, entities[0].Operations, model.AddUpdateAttribute("pfb:file_state", "dmFsaWRhdGVk"))
	require.Contains(t, entities[0].Operations, model.AddUpdateAttribute("pfb:object_id", "abc/123"))
}

func TestPFBTranslateRejectsGarbage(t *testing.T) {
	translator := NewPFBTranslator(config.New())

	_, err := translator.Translate(context.Background(), &model.Import{}, strings.NewReader("this is not avro"))
	require.True(t, imperr.IsKind(err, imperr.FileTranslation))
}

func TestUnwrapAvro(t *testing.T) {
	require.Equal(t, "x", unwrapAvro(map[string]any{"string": "x"}))
	require.Equal(t, "x", unwrapAvro(map[string]any{"ns.my_enum": "x"}))
	require.Equal(t, int64(7), unwrapAvro(map[string]any{"long": int64(7)}))
	require.Nil(t, unwrapAvro(nil))
	require.Equal(t, "bytes", unwrapAvro([]byte("bytes")))

	// multi-key maps are real values, not union envelopes
	v := map[string]any{"a": 1, "b": 2}
	require.Equal(t, v, unwrapAvro(v))
}
