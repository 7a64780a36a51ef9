// Package migrations embeds the SQL migrations for the account gate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
