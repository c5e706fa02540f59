package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/suzu-prog/expo/updates"
)

// A scanner is an interface that wraps the Scan method of sql.Rows and
// sql.Row.
type scanner interface {
	Scan(dest ...any) error
}

const updateColumns = `id, scope_key, commit_time, runtime_version, launch_asset_id, manifest, status, keep, last_accessed, successful_launch_count, failed_launch_count`

// AddUpdate adds an update's metadata to the store.
func (s *Store) AddUpdate(u updates.Update) error {
	return s.transaction(func(tx *txn) error {
		launchAsset := sql.NullInt64{Int64: u.LaunchAssetID, Valid: u.LaunchAssetID != 0}
		_, err := tx.Exec(`INSERT INTO updates (`+updateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sqlUUID(u.ID), u.ScopeKey, sqlTime(u.CommitTime), u.RuntimeVersion, launchAsset, nullString(u.Manifest),
			u.Status, u.Keep, sqlTime(u.LastAccessed), u.SuccessfulLaunchCount, u.FailedLaunchCount)
		if err != nil {
			return fmt.Errorf("failed to insert update: %w", err)
		}
		return nil
	})
}

// Update returns the update with the given ID or updates.ErrNotFound.
func (s *Store) Update(id uuid.UUID) (u updates.Update, err error) {
	err = s.transaction(func(tx *txn) error {
		u, err = scanUpdate(tx.QueryRow(`SELECT `+updateColumns+` FROM updates WHERE id=?`, sqlUUID(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return updates.ErrNotFound
		}
		return err
	})
	return
}

// UpdatesWithStatus returns all updates with the given status, newest
// first.
func (s *Store) UpdatesWithStatus(status updates.UpdateStatus) (matched []updates.Update, err error) {
	err = s.transaction(func(tx *txn) error {
		rows, err := tx.Query(`SELECT `+updateColumns+` FROM updates WHERE status=? ORDER BY commit_time DESC`, status)
		if err != nil {
			return fmt.Errorf("failed to query updates: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUpdate(rows)
			if err != nil {
				return fmt.Errorf("failed to scan update: %w", err)
			}
			matched = append(matched, u)
		}
		return rows.Err()
	})
	return
}

// SetUpdateStatus changes the status of an update.
func (s *Store) SetUpdateStatus(id uuid.UUID, status updates.UpdateStatus) error {
	return s.transaction(func(tx *txn) error {
		var dbID sqlUUID
		err := tx.QueryRow(`UPDATE updates SET status=? WHERE id=? RETURNING id`, status, sqlUUID(id)).Scan(&dbID)
		if errors.Is(err, sql.ErrNoRows) {
			return updates.ErrNotFound
		}
		return err
	})
}

// RecordLaunch increments the update's launch counters and sets its
// last-accessed time.
func (s *Store) RecordLaunch(id uuid.UUID, success bool, accessed time.Time) error {
	return s.transaction(func(tx *txn) error {
		query := `UPDATE updates SET failed_launch_count=failed_launch_count+1, last_accessed=? WHERE id=? RETURNING id`
		if success {
			query = `UPDATE updates SET successful_launch_count=successful_launch_count+1, last_accessed=? WHERE id=? RETURNING id`
		}
		var dbID sqlUUID
		err := tx.QueryRow(query, sqlTime(accessed), sqlUUID(id)).Scan(&dbID)
		if errors.Is(err, sql.ErrNoRows) {
			return updates.ErrNotFound
		}
		return err
	})
}

// AddAssets adds the assets to the store and associates them with the
// update. Assets are deduplicated on their key; an existing asset is reused
// and its download time refreshed. The IDs of the passed assets are set on
// success.
func (s *Store) AddAssets(updateID uuid.UUID, assets []*updates.Asset) error {
	return s.transaction(func(tx *txn) error {
		insertStmt, err := tx.Prepare(`INSERT INTO assets (url, key, headers, expected_hash, type, metadata, download_time, relative_path, hash, hash_type, marked_for_deletion)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET download_time=EXCLUDED.download_time, marked_for_deletion=false
RETURNING id`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer insertStmt.Close()

		attachStmt, err := tx.Prepare(`INSERT INTO updates_assets (update_id, asset_id) VALUES (?, ?) ON CONFLICT (update_id, asset_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare attach statement: %w", err)
		}
		defer attachStmt.Close()

		for _, a := range assets {
			err := insertStmt.QueryRow(nullString(a.URL), nullString(a.Key), nullString(a.Headers), nullString(a.ExpectedHash),
				a.Type, nullString(a.Metadata), sqlTime(a.DownloadTime), a.RelativePath, a.Hash, a.HashType, a.MarkedForDeletion).Scan(&a.ID)
			if err != nil {
				return fmt.Errorf("failed to insert asset %q: %w", a.Key, err)
			} else if _, err := attachStmt.Exec(sqlUUID(updateID), a.ID); err != nil {
				return fmt.Errorf("failed to attach asset %q: %w", a.Key, err)
			}
		}
		return nil
	})
}

// Asset returns the asset with the given key or updates.ErrNotFound.
func (s *Store) Asset(key string) (a updates.Asset, err error) {
	err = s.transaction(func(tx *txn) error {
		a, err = scanAsset(tx.QueryRow(`SELECT `+assetColumns+` FROM assets a WHERE a.key=?`, key))
		if errors.Is(err, sql.ErrNoRows) {
			return updates.ErrNotFound
		}
		return err
	})
	return
}

// UpdateAssets returns all assets associated with the update.
func (s *Store) UpdateAssets(updateID uuid.UUID) (assets []updates.Asset, err error) {
	err = s.transaction(func(tx *txn) error {
		rows, err := tx.Query(`SELECT `+assetColumns+` FROM assets a
INNER JOIN updates_assets ua ON (ua.asset_id=a.id)
WHERE ua.update_id=?`, sqlUUID(updateID))
		if err != nil {
			return fmt.Errorf("failed to query assets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAsset(rows)
			if err != nil {
				return fmt.Errorf("failed to scan asset: %w", err)
			}
			assets = append(assets, a)
		}
		return rows.Err()
	})
	return
}

// DeleteUpdates removes the updates with the given IDs and prunes assets no
// longer referenced by any remaining update. The relative paths of the
// pruned assets are returned so the caller can reclaim the files on disk.
func (s *Store) DeleteUpdates(ids []uuid.UUID) (removed []string, err error) {
	if len(ids) == 0 {
		return nil, nil
	}
	encoded := make([]sqlUUID, len(ids))
	for i, id := range ids {
		encoded[i] = sqlUUID(id)
	}
	err = s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`DELETE FROM updates WHERE id IN (`+queryPlaceHolders(len(encoded))+`)`, queryArgs(encoded)...)
		if err != nil {
			return fmt.Errorf("failed to delete updates: %w", err)
		}
		removed, err = pruneAssets(tx)
		if err != nil {
			return fmt.Errorf("failed to prune assets: %w", err)
		}
		return nil
	})
	return
}

// DeleteUnusedUpdates removes all updates marked unused, except those
// pinned by the keep flag, and prunes their assets.
func (s *Store) DeleteUnusedUpdates() (removed []string, err error) {
	err = s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`DELETE FROM updates WHERE status=? AND keep=false`, updates.UpdateStatusUnused)
		if err != nil {
			return fmt.Errorf("failed to delete updates: %w", err)
		}
		removed, err = pruneAssets(tx)
		if err != nil {
			return fmt.Errorf("failed to prune assets: %w", err)
		}
		return nil
	})
	return
}

// pruneAssets deletes assets that are no longer referenced by any update,
// either through the join table or as a launch asset, returning their
// relative paths.
func pruneAssets(tx *txn) (removed []string, err error) {
	rows, err := tx.Query(`DELETE FROM assets WHERE id NOT IN (SELECT asset_id FROM updates_assets)
AND id NOT IN (SELECT launch_asset_id FROM updates WHERE launch_asset_id IS NOT NULL)
RETURNING relative_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan relative path: %w", err)
		}
		removed = append(removed, path)
	}
	return removed, rows.Err()
}

const assetColumns = `a.id, a.url, a.key, a.headers, a.expected_hash, a.type, a.metadata, a.download_time, a.relative_path, a.hash, a.hash_type, a.marked_for_deletion`

func scanUpdate(s scanner) (u updates.Update, err error) {
	var launchAsset sql.NullInt64
	var manifest sql.NullString
	err = s.Scan((*sqlUUID)(&u.ID), &u.ScopeKey, (*sqlTime)(&u.CommitTime), &u.RuntimeVersion, &launchAsset, &manifest,
		&u.Status, &u.Keep, (*sqlTime)(&u.LastAccessed), &u.SuccessfulLaunchCount, &u.FailedLaunchCount)
	u.LaunchAssetID = launchAsset.Int64
	u.Manifest = manifest.String
	return
}

func scanAsset(s scanner) (a updates.Asset, err error) {
	var url, key, headers, expectedHash, metadata sql.NullString
	err = s.Scan(&a.ID, &url, &key, &headers, &expectedHash, &a.Type, &metadata,
		(*sqlTime)(&a.DownloadTime), &a.RelativePath, &a.Hash, &a.HashType, &a.MarkedForDeletion)
	a.URL, a.Key, a.Headers, a.ExpectedHash, a.Metadata = url.String, key.String, headers.String, expectedHash.String, metadata.String
	return
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
