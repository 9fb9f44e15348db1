package storage

import (
	"errors"
	"time"

	"promobot/internal/ads"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StatusRow is the persisted lifecycle state of one ad.
type StatusRow struct {
	Tenant      string
	AdID        string
	Status      ads.Status
	Fingerprint ads.Fingerprint
	PublishedAt time.Time
	UpdatedAt   time.Time
}
