// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaKind selects one of the manifest documents.
type SchemaKind int

// Manifest documents with a published schema.
const (
	SchemaPackage SchemaKind = iota
	SchemaPlugin
)

// String returns the schema file stem.
func (k SchemaKind) String() string {
	switch k {
	case SchemaPackage:
		return "keg"
	case SchemaPlugin:
		return "plugin"
	default:
		return fmt.Sprintf("SchemaKind(%d)", int(k))
	}
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[SchemaKind]*jschema.Schema{}
)

// SchemaID returns the $id published for kind.
func SchemaID(kind SchemaKind) string {
	return "https://holomush.dev/schemas/keg/" + kind.String() + ".schema.json"
}

// GenerateSchema generates the JSON Schema for a manifest document.
func GenerateSchema(kind SchemaKind) ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}

	var schema *jsonschema.Schema
	switch kind {
	case SchemaPackage:
		schema = r.Reflect(&PackageManifest{})
		schema.Title = "Keg Package Manifest"
		schema.Description = "Schema for keg.yaml package manifests"
	case SchemaPlugin:
		schema = r.Reflect(&PluginMetadata{})
		schema.Title = "Keg Plugin Metadata"
		schema.Description = "Schema for plugin.yaml metadata files"
	default:
		return nil, fmt.Errorf("unknown schema kind %d", int(kind))
	}
	schema.ID = jsonschema.ID(SchemaID(kind))

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates YAML data against the schema for kind.
func ValidateSchema(kind SchemaKind, data []byte) error {
	if len(data) == 0 {
		return oops.Code(CodeManifestParseError).Errorf("%s data is empty", kind)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code(CodeManifestParseError).Wrapf(err, "invalid YAML")
	}

	sch, err := compiledSchema(kind)
	if err != nil {
		return err
	}
	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return oops.Code(CodeManifestParseError).Wrapf(err, "schema validation failed")
	}
	return nil
}

// FormatSchemaError strips the validation prefix from err for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, "schema validation failed: "); i >= 0 {
		msg = msg[i+len("schema validation failed: "):]
	}
	return msg
}

func compiledSchema(kind SchemaKind) (*jschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if sch, ok := schemaCache[kind]; ok {
		return sch, nil
	}

	raw, err := GenerateSchema(kind)
	if err != nil {
		return nil, err
	}
	sch, err := CompileSchema(kind.String()+".schema.json", raw)
	if err != nil {
		return nil, err
	}
	schemaCache[kind] = sch
	return sch, nil
}

// CompileSchema compiles a JSON Schema document. YAML documents are accepted
// as well since YAML is a superset of JSON.
func CompileSchema(name string, raw []byte) (*jschema.Schema, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, oops.Code(CodeManifestParseError).With("schema", name).Wrapf(err, "parse schema")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(name, toJSONTypes(doc)); err != nil {
		return nil, oops.Code(CodeManifestParseError).With("schema", name).Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, oops.Code(CodeManifestParseError).With("schema", name).Wrapf(err, "compile schema")
	}
	return sch, nil
}

// toJSONTypes converts YAML-decoded values into the shapes produced by
// encoding/json, which the validator expects.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return val
	}
}
