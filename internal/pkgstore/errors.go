// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore

// Error codes returned by the package store.
const (
	CodePackageNotFound      = "PACKAGE_NOT_FOUND"
	CodePluginNotFound       = "PLUGIN_NOT_FOUND"
	CodeManifestParseError   = "MANIFEST_PARSE_ERROR"
	CodeArchiveError         = "ARCHIVE_ERROR"
	CodeContextAlreadyActive = "CONTEXT_ALREADY_ACTIVE"
)
