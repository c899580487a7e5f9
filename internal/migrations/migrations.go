package migrations

import "embed"

// Files holds the schema migrations, applied in lexical order by
// store.ApplyMigrations.
//
//go:embed *.sql
var Files embed.FS
