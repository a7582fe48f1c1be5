// Package database owns the SQLite store behind the rule engine.
//
// A single pooled connection serialises writers; WAL mode and the busy
// timeout keep readers moving. Schema changes are embedded by the
// migrations package and applied with Migrate, each in its own
// transaction. Migrations are additive: new columns are nullable or carry
// a default.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Rule parameters may carry webhook credentials, so the file is created
// owner-only.
package database
