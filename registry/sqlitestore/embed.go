package sqlitestore

import "embed"

// MigrationFS embeds the registry schema so the binary never depends on
// migration files existing on disk at runtime.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
