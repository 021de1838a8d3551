package store

import "time"

// ObjectRecord is the durable metadata for one stored object.
// Records are immutable once written; the only mutation is deletion.
type ObjectRecord struct {
	Handle       string    `json:"handle"`
	OriginalName string    `json:"original_name,omitempty"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	Volume       string    `json:"volume"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the record is logically dead at the given instant.
// An object expires the moment now reaches ExpiresAt.
func (r *ObjectRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Remaining returns the time left until expiry, floored at zero.
func (r *ObjectRecord) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
