// Package backup takes and restores point-in-time dumps of MongoDB databases.
//
// A backup is taken with mongodump before every destructive import and is the
// only way back if that import fails. Backups are plain directories on local
// disk:
//
//	{root}/{ENV}/{database}/{timestamp}-{token}/
//	    backup.json   metadata, without the connection string
//	    dump/         mongodump --out directory
//
// Nothing in this package deletes a backup on its own. Prune applies an
// explicit RetentionPolicy and always keeps the newest backup of every
// environment and database.
//
// Example usage:
//
//	manager, err := backup.NewManager(backup.Options{
//		Store:    store,
//		Resolver: registry,
//		Locator:  locator,
//		Runner:   runner,
//		Dropper:  client,
//	})
//
//	rec, err := manager.CreateBackup(ctx, env, "orders")
//	...
//	if importFailed {
//		err = manager.RestoreBackup(ctx, rec)
//	}
package backup
