// Package migrations embeds the robotlink schema and registers it with the
// database package on import.
package migrations

import (
	"embed"

	"github.com/nerrad567/robotlink/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files, ".")
}
