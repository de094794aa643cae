// Package dbmigrations exposes the embedded SQL migrations for the state cache schema.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into gateway binaries.
//
//go:embed *.sql
var Files embed.FS
