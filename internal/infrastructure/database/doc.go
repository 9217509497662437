// Package database provides the SQLite connection used by the Dobiss bridge
// for relay state history.
//
// The connection runs in WAL mode with a busy timeout and a single pooled
// connection. The file is created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations live in the top-level migrations package, which registers an
// embedded filesystem with MigrationsFS. Files are named
// YYYYMMDD_HHMMSS_description.up.sql and are additive only; .down.sql
// files are skipped.
package database
