// Package migrations holds the working database schema history.
package migrations

import "embed"

// FS holds the SQL migrations. Go migrations register themselves with goose
// from this package's init functions.
//
//go:embed *.sql
var FS embed.FS
