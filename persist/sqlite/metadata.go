package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suzu-prog/expo/updates"
)

// JSONData returns the server-defined metadata value stored under key for
// the given scope, or updates.ErrNotFound.
func (s *Store) JSONData(key, scopeKey string) (value json.RawMessage, err error) {
	err = s.transaction(func(tx *txn) error {
		var buf string
		err := tx.QueryRow(`SELECT value FROM json_data WHERE key=? AND scope_key=?`, key, scopeKey).Scan(&buf)
		if errors.Is(err, sql.ErrNoRows) {
			return updates.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("failed to query json data: %w", err)
		}
		value = json.RawMessage(buf)
		return nil
	})
	return
}

// SetJSONData stores a metadata value under key for the given scope,
// replacing any existing value.
func (s *Store) SetJSONData(key, scopeKey string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("invalid json value for key %q", key)
	}
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO json_data (key, value, last_updated, scope_key) VALUES (?, ?, ?, ?)
ON CONFLICT (key, scope_key) DO UPDATE SET value=EXCLUDED.value, last_updated=EXCLUDED.last_updated`,
			key, string(value), sqlTime(time.Now()), scopeKey)
		if err != nil {
			return fmt.Errorf("failed to set json data: %w", err)
		}
		return nil
	})
}
