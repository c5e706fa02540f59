package sqlite

// migrateVersion5 adds the raw manifest column to updates, rebuilds
// updates_assets to enforce uniqueness of its pairs, and adds an index for
// launch-candidate selection.
func migrateVersion5(tx *txn) error {
	_, err := tx.Exec(`ALTER TABLE updates ADD COLUMN manifest TEXT;
CREATE TABLE updates_assets_new (
	update_id BLOB NOT NULL REFERENCES updates(id) ON DELETE CASCADE,
	asset_id INTEGER NOT NULL REFERENCES assets(id),
	UNIQUE(update_id, asset_id)
);
INSERT INTO updates_assets_new (update_id, asset_id) SELECT DISTINCT update_id, asset_id FROM updates_assets;
DROP TABLE updates_assets;
ALTER TABLE updates_assets_new RENAME TO updates_assets;
CREATE INDEX updates_assets_update_id ON updates_assets(update_id);
CREATE INDEX updates_scope_key_commit_time ON updates(scope_key, commit_time);`)
	return err
}

// migrateVersion4 adds the request headers, expected hash and metadata
// columns to assets.
func migrateVersion4(tx *txn) error {
	_, err := tx.Exec(`ALTER TABLE assets ADD COLUMN headers TEXT;
ALTER TABLE assets ADD COLUMN expected_hash TEXT;
ALTER TABLE assets ADD COLUMN metadata TEXT;`)
	return err
}

// migrateVersion3 adds launch bookkeeping columns to updates.
func migrateVersion3(tx *txn) error {
	_, err := tx.Exec(`ALTER TABLE updates ADD COLUMN last_accessed INTEGER NOT NULL DEFAULT 0;
ALTER TABLE updates ADD COLUMN successful_launch_count INTEGER NOT NULL DEFAULT 0;
ALTER TABLE updates ADD COLUMN failed_launch_count INTEGER NOT NULL DEFAULT 0;`)
	return err
}

// migrateVersion2 adds the json_data table for server-defined metadata.
func migrateVersion2(tx *txn) error {
	_, err := tx.Exec(`CREATE TABLE json_data (
	id INTEGER PRIMARY KEY,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	last_updated INTEGER NOT NULL,
	scope_key TEXT NOT NULL,
	UNIQUE(key, scope_key)
);`)
	return err
}

// migrations is the ordered chain of schema upgrades; migrations[i]
// transforms a database at version i+1 to version i+2. The latest schema
// version is len(migrations)+1 and init.sql must always create it.
var migrations = []func(*txn) error{
	migrateVersion2,
	migrateVersion3,
	migrateVersion4,
	migrateVersion5,
}
