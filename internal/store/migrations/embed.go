// Package migrations embeds the versioned SQL schema for the local cache.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
