// Package migrations applies the embedded schema scripts in version order.
package migrations

import "embed"

// FS holds the migration scripts, named <version>_<name>.sql.
//
//go:embed scripts/*.sql
var FS embed.FS
