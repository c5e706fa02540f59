package updates

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// updateCacheSize limits the number of updates cached in memory. Devices
// rarely keep more than a handful of updates, so the cache can stay small.
const updateCacheSize = 16

// ErrNotFound is returned when an update or asset does not exist in the
// store.
var ErrNotFound = errors.New("not found")

type (
	// A Store persists update and asset metadata.
	Store interface {
		// AddUpdate adds an update to the store.
		AddUpdate(u Update) error
		// Update returns the update with the given ID or ErrNotFound.
		Update(id uuid.UUID) (Update, error)
		// UpdatesWithStatus returns all updates with the given status,
		// ordered by commit time descending.
		UpdatesWithStatus(status UpdateStatus) ([]Update, error)
		// SetUpdateStatus changes the status of an update.
		SetUpdateStatus(id uuid.UUID, status UpdateStatus) error
		// RecordLaunch increments the update's launch counters and sets its
		// last-accessed time.
		RecordLaunch(id uuid.UUID, success bool, accessed time.Time) error
	}

	// A Manager provides thread-safe access to update metadata. The
	// underlying store is not safe for concurrent use; the manager
	// serializes access and caches recently loaded updates.
	Manager struct {
		store Store
		log   *zap.Logger

		// caches updates by ID to avoid hitting the database on every
		// launch-selection pass.
		cache *lru.TwoQueueCache[uuid.UUID, Update]

		mu sync.Mutex // guards store access
	}
)

// NewManager creates a Manager wrapping the given store.
func NewManager(store Store, log *zap.Logger) (*Manager, error) {
	cache, err := lru.New2Q[uuid.UUID, Update](updateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create update cache: %w", err)
	}
	return &Manager{
		store: store,
		log:   log,
		cache: cache,
	}, nil
}

// Add commits a new update's metadata.
func (m *Manager) Add(u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.AddUpdate(u); err != nil {
		return fmt.Errorf("failed to add update: %w", err)
	}
	m.cache.Add(u.ID, u)
	m.log.Debug("added update", zap.Stringer("id", u.ID), zap.String("runtimeVersion", u.RuntimeVersion))
	return nil
}

// Update returns the update with the given ID.
func (m *Manager) Update(id uuid.UUID) (Update, error) {
	if u, ok := m.cache.Get(id); ok {
		return u, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.store.Update(id)
	if err != nil {
		return Update{}, fmt.Errorf("failed to get update: %w", err)
	}
	m.cache.Add(id, u)
	return u, nil
}

// LaunchCandidate returns the newest launchable update for the given runtime
// version, or ErrNotFound if none exists.
func (m *Manager) LaunchCandidate(runtimeVersion string) (Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []Update
	for _, status := range []UpdateStatus{UpdateStatusLaunchable, UpdateStatusReady} {
		matched, err := m.store.UpdatesWithStatus(status)
		if err != nil {
			return Update{}, fmt.Errorf("failed to get %v updates: %w", status, err)
		}
		for _, u := range matched {
			if u.RuntimeVersion == runtimeVersion {
				candidates = append(candidates, u)
			}
		}
	}
	if len(candidates) == 0 {
		return Update{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CommitTime.After(candidates[j].CommitTime)
	})
	return candidates[0], nil
}

// RecordLaunch records the outcome of launching an update. A successful
// launch promotes the update to the launchable status.
func (m *Manager) RecordLaunch(id uuid.UUID, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.RecordLaunch(id, success, time.Now()); err != nil {
		return fmt.Errorf("failed to record launch: %w", err)
	}
	if success {
		if err := m.store.SetUpdateStatus(id, UpdateStatusLaunchable); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
	}
	// the cached copy's counters are stale
	m.cache.Remove(id)
	m.log.Debug("recorded launch", zap.Stringer("id", id), zap.Bool("success", success))
	return nil
}

// Retire marks updates other than the given ID as unused so their assets can
// be reclaimed.
func (m *Manager) Retire(keep uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, status := range []UpdateStatus{UpdateStatusReady, UpdateStatusLaunchable} {
		stale, err := m.store.UpdatesWithStatus(status)
		if err != nil {
			return fmt.Errorf("failed to get %v updates: %w", status, err)
		}
		for _, u := range stale {
			if u.ID == keep || u.Keep {
				continue
			}
			if err := m.store.SetUpdateStatus(u.ID, UpdateStatusUnused); err != nil {
				return fmt.Errorf("failed to retire update %v: %w", u.ID, err)
			}
			m.cache.Remove(u.ID)
		}
	}
	return nil
}
