package lease

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrNotHeld signals a renew or release by an owner that no longer holds
// the lease, usually because the TTL expired and someone else reclaimed it.
var ErrNotHeld = errors.New("lease not held by owner")

// Lease is one row of the cross-process mutual-exclusion table. A holder
// heartbeats by renewing before ExpiresAt; a crashed holder's row is
// reclaimed by the next acquirer once the TTL lapses, so a dead process
// never wedges the system.
type Lease struct {
	gorm.Model
	LeaseKey  string    `gorm:"uniqueIndex"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// Acquire attempts to take the lease for key. It returns true when this
// owner now holds it, either by inserting a fresh row, re-entering a row
// it already owns, or reclaiming an expired one. All paths are conditional
// writes, so two processes racing for the same key cannot both win.
func (m *Manager) Acquire(key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	row := Lease{LeaseKey: key, Owner: owner, ExpiresAt: now.Add(ttl)}

	if err := m.db.Create(&row).Error; err == nil {
		return true, nil
	}

	// Row exists: take it over only if we own it or it has expired.
	res := m.db.Model(&Lease{}).
		Where("lease_key = ? AND (owner = ? OR expires_at < ?)", key, owner, now).
		Updates(map[string]interface{}{"owner": owner, "expires_at": now.Add(ttl)})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		log.Debug().
			Str("lease_key", key).
			Str("owner", owner).
			Msg("lease held by another live owner")
		return false, nil
	}
	return true, nil
}

// Renew extends the TTL of a lease this owner still holds.
func (m *Manager) Renew(key, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res := m.db.Model(&Lease{}).
		Where("lease_key = ? AND owner = ? AND expires_at >= ?", key, owner, now).
		Update("expires_at", now.Add(ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release gives the lease up early by expiring it in place, which hands
// the row to the next acquirer through the reclaim path. The row is never
// deleted: a soft-deleted row would keep its key under the unique index
// while being invisible to the conditional update. Releasing a lease
// someone else has reclaimed is reported, not silently ignored, since it
// means the caller may have been operating past its TTL.
func (m *Manager) Release(key, owner string) error {
	now := time.Now().UTC()
	res := m.db.Model(&Lease{}).
		Where("lease_key = ? AND owner = ?", key, owner).
		Update("expires_at", now.Add(-time.Second))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotHeld
	}
	return nil
}
