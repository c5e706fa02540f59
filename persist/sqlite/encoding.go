package sqlite

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// sqlTime stores a time.Time as unix milliseconds.
	sqlTime time.Time

	// sqlUUID stores a uuid.UUID as a 16-byte blob.
	sqlUUID uuid.UUID
)

// Value implements the driver.Valuer interface.
func (st sqlTime) Value() (driver.Value, error) {
	return time.Time(st).UnixMilli(), nil
}

// Scan implements the sql.Scanner interface.
func (st *sqlTime) Scan(src any) error {
	switch src := src.(type) {
	case int64:
		*st = sqlTime(time.UnixMilli(src))
		return nil
	default:
		return fmt.Errorf("cannot scan %T to sqlTime", src)
	}
}

// Value implements the driver.Valuer interface.
func (u sqlUUID) Value() (driver.Value, error) {
	return u[:], nil
}

// Scan implements the sql.Scanner interface.
func (u *sqlUUID) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T to sqlUUID", src)
	} else if len(b) != len(u) {
		return fmt.Errorf("expected %d bytes, got %d", len(u), len(b))
	}
	copy(u[:], b)
	return nil
}
