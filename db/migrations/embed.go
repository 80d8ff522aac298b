// Package dbmigrations exposes embedded SQL migrations for tradewind binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradewind binaries.
//
//go:embed *.sql
var Files embed.FS
