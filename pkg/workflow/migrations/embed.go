// Package migrations embeds the workflow schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
