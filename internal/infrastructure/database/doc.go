// Package database opens the robotlink SQLite store and applies its schema
// migrations.
//
// The store holds attribute value history. Migrations are embedded by the
// top-level migrations package, which registers them on import:
//
//	import _ "github.com/nerrad567/robotlink/migrations"
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive. Each version has an .up.sql and a .down.sql file.
package database
