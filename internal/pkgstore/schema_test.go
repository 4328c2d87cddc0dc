// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/keg/internal/pkgstore"
	"github.com/holomush/keg/pkg/errutil"
)

func TestGenerateSchema(t *testing.T) {
	for _, kind := range []pkgstore.SchemaKind{pkgstore.SchemaPackage, pkgstore.SchemaPlugin} {
		t.Run(kind.String(), func(t *testing.T) {
			raw, err := pkgstore.GenerateSchema(kind)
			require.NoError(t, err)

			var doc map[string]any
			require.NoError(t, json.Unmarshal(raw, &doc))
			assert.Equal(t, pkgstore.SchemaID(kind), doc["$id"])
			assert.Contains(t, doc, "properties")
		})
	}
}

func TestValidateSchema_Package(t *testing.T) {
	require.NoError(t, pkgstore.ValidateSchema(pkgstore.SchemaPackage, []byte(lightsManifest)))

	err := pkgstore.ValidateSchema(pkgstore.SchemaPackage, []byte("package:\n  name: lights\nplugins: []\n"))
	errutil.AssertErrorCode(t, err, pkgstore.CodeManifestParseError)
	assert.NotEmpty(t, pkgstore.FormatSchemaError(err))

	err = pkgstore.ValidateSchema(pkgstore.SchemaPackage, []byte("package:\n  name: lights\n  version: 1.5\nplugins: []\n"))
	errutil.AssertErrorCode(t, err, pkgstore.CodeManifestParseError)
}

func TestValidateSchema_Plugin(t *testing.T) {
	require.NoError(t, pkgstore.ValidateSchema(pkgstore.SchemaPlugin, []byte("plugin:\n  name: rainbow\n")))

	err := pkgstore.ValidateSchema(pkgstore.SchemaPlugin, []byte("plugin:\n  type: effect\n"))
	errutil.AssertErrorCode(t, err, pkgstore.CodeManifestParseError)
}

func TestCompileSchema(t *testing.T) {
	sch, err := pkgstore.CompileSchema("config.json", []byte(`{
  "type": "object",
  "properties": {"speed": {"type": "number", "minimum": 0}},
  "required": ["speed"]
}`))
	require.NoError(t, err)

	assert.NoError(t, sch.Validate(map[string]any{"speed": 1.5}))
	assert.Error(t, sch.Validate(map[string]any{"speed": -1.0}))
	assert.Error(t, sch.Validate(map[string]any{}))
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := pkgstore.CompileSchema("broken.json", []byte(`{"type": 12}`))
	errutil.AssertErrorCode(t, err, pkgstore.CodeManifestParseError)
}
