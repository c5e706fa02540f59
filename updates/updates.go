package updates

import (
	"time"

	"github.com/google/uuid"
)

// UpdateStatus is an enum that indicates the current lifecycle state of a
// downloaded update.
const (
	// UpdateStatusPending indicates that the update's manifest has been
	// committed to the database, but not all of its assets have been
	// downloaded yet. The update is not yet safe to launch.
	UpdateStatusPending UpdateStatus = iota
	// UpdateStatusReady indicates that every asset of the update is present
	// on disk and the update may be selected at the next launch.
	UpdateStatusReady
	// UpdateStatusLaunchable indicates that the update has launched
	// successfully at least once and is a safe rollback target.
	UpdateStatusLaunchable
	// UpdateStatusUnused indicates that the update has been superseded and
	// its assets may be reclaimed.
	UpdateStatusUnused
)

// HashTypeSHA256 is the only asset hash algorithm currently written. The
// column exists so the algorithm can be rotated without a schema change.
const HashTypeSHA256 HashType = 0

type (
	// UpdateStatus is an enum that indicates the current lifecycle state of
	// a downloaded update.
	UpdateStatus uint8

	// HashType identifies the algorithm of an asset's content hash.
	HashType uint8

	// An Update is the metadata of a single downloaded update bundle. The
	// manifest is stored as opaque JSON; this layer never interprets it.
	Update struct {
		ID             uuid.UUID    `json:"id"`
		ScopeKey       string       `json:"scopeKey"`
		CommitTime     time.Time    `json:"commitTime"`
		RuntimeVersion string       `json:"runtimeVersion"`
		LaunchAssetID  int64        `json:"launchAssetID"`
		Manifest       string       `json:"manifest"`
		Status         UpdateStatus `json:"status"`
		Keep           bool         `json:"keep"`

		LastAccessed          time.Time `json:"lastAccessed"`
		SuccessfulLaunchCount int64     `json:"successfulLaunchCount"`
		FailedLaunchCount     int64     `json:"failedLaunchCount"`
	}

	// An Asset is a single file referenced by one or more updates. Assets
	// are content-addressed by Key and shared between updates that reference
	// the same file.
	Asset struct {
		ID           int64     `json:"id"`
		URL          string    `json:"url"`
		Key          string    `json:"key"`
		Headers      string    `json:"headers"`
		ExpectedHash string    `json:"expectedHash"`
		Type         string    `json:"type"`
		Metadata     string    `json:"metadata"`
		DownloadTime time.Time `json:"downloadTime"`
		RelativePath string    `json:"relativePath"`
		Hash         []byte    `json:"hash"`
		HashType     HashType  `json:"hashType"`

		MarkedForDeletion bool `json:"markedForDeletion"`
	}
)

// String returns the status as a human-readable string.
func (s UpdateStatus) String() string {
	switch s {
	case UpdateStatusPending:
		return "pending"
	case UpdateStatusReady:
		return "ready"
	case UpdateStatusLaunchable:
		return "launchable"
	case UpdateStatusUnused:
		return "unused"
	default:
		return "unknown"
	}
}

// Launchable returns true if the update can be selected at launch.
func (u Update) Launchable() bool {
	return u.Status == UpdateStatusReady || u.Status == UpdateStatusLaunchable
}
