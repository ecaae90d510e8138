package keylease

import (
	"time"
)

// Lease is an exclusive, time-bounded claim on one credential.
//
// The raw credential is carried only in memory for the holder's use; it is
// excluded from the JSON persisted to the lease file.
type Lease struct {
	Pool        string    `json:"pool"`
	Fingerprint string    `json:"fingerprint"`
	LeaseID     string    `json:"lease_id"`
	PID         int       `json:"pid"`
	Host        string    `json:"host"`
	Agent       string    `json:"agent,omitempty"`
	Purpose     string    `json:"purpose,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Key is the leased credential. Never persisted.
	Key string `json:"-"`
}

// Expired reports whether the lease has passed its expiry at the given
// instant.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry. Negative once expired.
func (l *Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}
