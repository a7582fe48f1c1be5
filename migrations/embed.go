// Package migrations embeds the automation schema into the binary.
//
// Importing it for side effects registers the migrations with the database
// package, so db.Migrate needs no SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
