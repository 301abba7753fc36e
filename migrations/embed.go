// Package migrations holds the goose SQL migrations for the datastore.
package migrations

import "embed"

// FS contains every migration file, versioned by filename prefix.
//
//go:embed *.sql
var FS embed.FS
