package database

import "embed"

// EmbeddedMigrations holds the relay schema, applied in filename order.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
