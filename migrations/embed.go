// Package migrations embeds SQL migration files into the binary so the
// KV store schema can be applied without shipping loose files.
package migrations

import (
	"embed"

	"github.com/tianshanos/tianshan-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
