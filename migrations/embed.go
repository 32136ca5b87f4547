// Package migrations embeds the PostgreSQL schema of the ledger.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS
