package model

import "time"

// LockRecord is stored at <repo>/locks/repo.lock.
type LockRecord struct {
	HolderNonce string    `json:"holder_nonce"`
	Hostname    string    `json:"hostname,omitempty"`
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Purpose     string    `json:"purpose,omitempty"`
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	LeaseTTL time.Duration `json:"lease_ttl"`
}

// DefaultLockPolicy returns the default lease settings.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{LeaseTTL: 10 * time.Minute}
}
