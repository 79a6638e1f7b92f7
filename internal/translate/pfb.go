package translate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/linkedin/goavro/v2"
	"github.com/rudderlabs/rudder-go-kit/config"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
	"github.com/databiosphere/import-service/jsonrs"
)

// pfbAttributePrefix namespaces every imported attribute so PFB columns never
// collide with workspace-reserved names.
const pfbAttributePrefix = "pfb:"

// PFBTranslator streams a PFB (Avro object container) file into entities: one
// entity per data record, the metadata record skipped.
type PFBTranslator struct {
	decodeEnums     bool
	prefixObjectIDs bool
}

func NewPFBTranslator(conf *config.Config) *PFBTranslator {
	return &PFBTranslator{
		decodeEnums:     conf.GetBool("ImportService.pfb.decodeEnums", true),
		prefixObjectIDs: conf.GetBool("ImportService.pfb.prefixObjectIds", true),
	}
}

func (t *PFBTranslator) Translate(_ context.Context, _ *model.Import, src io.Reader) (EntityIterator, error) {
	ocf, err := goavro.NewOCFReader(src)
	if err != nil {
		return nil, imperr.Wrap(imperr.FileTranslation, err, "source is not a readable PFB container")
	}

	enums, err := enumFieldsFromSchema(ocf.Codec().Schema())
	if err != nil {
		return nil, imperr.Wrap(imperr.FileTranslation, err, "reading PFB schema")
	}

	return &pfbIterator{
		translator: t,
		ocf:        ocf,
		enums:      enums,
	}, nil
}

type pfbIterator struct {
	translator *PFBTranslator
	ocf        *goavro.OCFReader
	// enums maps record type name to the set of enum-typed field names.
	enums map[string]map[string]bool
}

func (it *pfbIterator) Next() (*model.Entity, error) {
	for it.ocf.Scan() {
		datum, err := it.ocf.Read()
		if err != nil {
			return nil, imperr.Wrap(imperr.FileTranslation, err, "decoding PFB record")
		}
		record, ok := datum.(map[string]any)
		if !ok {
			return nil, imperr.New(imperr.FileTranslation, "PFB record has unexpected shape %T", datum)
		}

		entityType, _ := unwrapAvro(record["name"]).(string)
		if entityType == "" {
			return nil, imperr.New(imperr.FileTranslation, "PFB record has no type name")
		}
		if entityType == "Metadata" {
			continue
		}

		entity, err := it.buildEntity(entityType, record)
		if err != nil {
			return nil, err
		}
		return entity, nil
	}
	if err := it.ocf.Err(); err != nil {
		return nil, imperr.Wrap(imperr.FileTranslation, err, "scanning PFB container")
	}
	return nil, io.EOF
}

func (it *pfbIterator) buildEntity(entityType string, record map[string]any) (*model.Entity, error) {
	name := fmt.Sprintf("%v", unwrapAvro(record["id"]))

	object := objectFields(record["object"], entityType)
	keys := make([]string, 0, len(object))
	for k := range object {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ops []model.AttributeOperation
	for _, k := range keys {
		v := unwrapAvro(object[k])
		if v == nil {
			continue
		}

		attrName := pfbAttributePrefix + k
		if k == "name" {
			// "name" is reserved downstream; remap for compatibility.
			attrName = pfbAttributePrefix + entityType + "_name"
		}

		if it.translator.decodeEnums && it.enums[entityType][k] {
			decoded, err := decodeEnumValue(v)
			if err != nil {
				return nil, imperr.Wrap(imperr.FileTranslation, err, "decoding enum %s.%s", entityType, k)
			}
			v = decoded
		}
		if it.translator.prefixObjectIDs && k == "object_id" {
			if s, ok := v.(string); ok && !strings.HasPrefix(s, "drs://") {
				v = "drs://" + s
			}
		}

		if list, ok := v.([]any); ok {
			members := make([]any, 0, len(list))
			for _, m := range list {
				if m := unwrapAvro(m); m != nil {
					members = append(members, m)
				}
			}
			ops = append(ops, model.ListOperations(attrName, members)...)
			continue
		}
		ops = append(ops, model.AddUpdateAttribute(attrName, v))
	}

	relations, _ := unwrapAvro(record["relations"]).([]any)
	for _, r := range relations {
		rel, _ := unwrapAvro(r).(map[string]any)
		dstName, _ := unwrapAvro(rel["dst_name"]).(string)
		dstID := fmt.Sprintf("%v", unwrapAvro(rel["dst_id"]))
		ops = append(ops, model.AddUpdateAttribute(
			pfbAttributePrefix+dstName,
			model.EntityReference{EntityType: dstName, EntityName: dstID},
		))
	}

	return &model.Entity{Name: name, EntityType: entityType, Operations: ops}, nil
}

func (it *pfbIterator) Close() error { return nil }

// objectFields peels the object union, whose branch key is the record's type
// name (possibly namespaced), down to the field map.
func objectFields(v any, entityType string) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if len(m) == 1 {
		for k, inner := range m {
			if fields, ok := inner.(map[string]any); ok &&
				(k == entityType || strings.HasSuffix(k, "."+entityType)) {
				return fields
			}
		}
	}
	return m
}

// unwrapAvro strips goavro's union wrapping and normalizes bytes to string.
// goavro decodes a union as a single-key map keyed by the branch's type name
// (or full name for enums and records); PFB attribute values are never maps
// themselves, so any single-key map here is a union envelope.
func unwrapAvro(v any) any {
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		for _, inner := range m {
			return unwrapAvro(inner)
		}
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// decodeEnumValue reverses PFB's base64 encoding of enum symbols, repairing
// stripped padding first.
func decodeEnumValue(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("enum value is %T, not string", v)
	}
	padded := s
	for len(padded)%4 != 0 {
		padded += "="
	}
	decoded, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("base64-decoding %q: %w", s, err)
	}
	return string(decoded), nil
}

// enumFieldsFromSchema walks the container's schema and collects, per record
// type, the fields whose type involves an enum. PFB base64-encodes enum
// symbols, so these are the values needing decode.
func enumFieldsFromSchema(schema string) (map[string]map[string]bool, error) {
	var root any
	if err := jsonrs.Unmarshal([]byte(schema), &root); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	enums := map[string]map[string]bool{}
	var walkRecord func(def map[string]any)
	walkRecord = func(def map[string]any) {
		name, _ := def["name"].(string)
		fields, _ := def["fields"].([]any)
		for _, f := range fields {
			field, _ := f.(map[string]any)
			fieldName, _ := field["name"].(string)
			if typeContainsEnum(field["type"]) {
				if enums[name] == nil {
					enums[name] = map[string]bool{}
				}
				enums[name][fieldName] = true
			}
			// Nested records (the object union) are record definitions too.
			walkNested(field["type"], walkRecord)
		}
	}
	walkNested(root, walkRecord)
	return enums, nil
}

func walkNested(v any, visit func(map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		if t["type"] == "record" {
			visit(t)
		}
		for _, inner := range t {
			walkNested(inner, visit)
		}
	case []any:
		for _, inner := range t {
			walkNested(inner, visit)
		}
	}
}

func typeContainsEnum(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		if t["type"] == "enum" {
			return true
		}
		// Arrays of enums count; nested records do not.
		if t["type"] == "array" {
			return typeContainsEnum(t["items"])
		}
	case []any:
		for _, branch := range t {
			if typeContainsEnum(branch) {
				return true
			}
		}
	}
	return false
}
