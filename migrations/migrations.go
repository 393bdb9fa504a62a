// Package migrations embeds the PostgreSQL schema of the usage ledger
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
