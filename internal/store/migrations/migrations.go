// Package migrations embeds the durable cache schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
