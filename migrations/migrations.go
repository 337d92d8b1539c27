// Package migrations embeds the SQL schema so binaries carry it.
package migrations

import "embed"

//go:embed sql seeds
var Files embed.FS

// Dir is the migrations directory inside Files.
const Dir = "sql"

// SeedsDir is the seeds directory inside Files.
const SeedsDir = "seeds"
