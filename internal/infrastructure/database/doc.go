// Package database provides SQLite connectivity for Shelly Core.
//
// The database holds the table of known devices so that a restart can
// bring devices back from their snapshots before discovery sees them
// again. Device state itself lives in the per-device JSON snapshots.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql, and are applied oldest first.
package database
