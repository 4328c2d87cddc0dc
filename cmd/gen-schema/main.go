// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema generates the JSON Schema files for keg.yaml and
// plugin.yaml.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/holomush/keg/internal/pkgstore"
)

func main() {
	outDir := flag.String("out", "schemas", "output directory")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, kind := range []pkgstore.SchemaKind{pkgstore.SchemaPackage, pkgstore.SchemaPlugin} {
		path, err := writeSchema(*outDir, kind)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating %s schema: %v\n", kind, err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", path)
	}
}

func writeSchema(dir string, kind pkgstore.SchemaKind) (string, error) {
	schema, err := pkgstore.GenerateSchema(kind)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	outPath := filepath.Join(dir, kind.String()+".schema.json")
	if err := os.WriteFile(outPath, append(schema, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return outPath, nil
}
