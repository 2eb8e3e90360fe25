// Package migrations embeds the SQL schema migrations.
package migrations

import "embed"

// FS holds every NNN_name.{up,down}.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS

// Dir is the directory inside FS that holds the migrations.
const Dir = "."
