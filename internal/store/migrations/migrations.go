// Package migrations embeds the schema files applied in lexical order by
// the Postgres store and the migrate command.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
