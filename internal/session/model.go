package session

import "time"

// Session is one authenticated device/login. Rows are revoked, never deleted;
// the maintenance job prunes them after the retention window.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"-"`
	UserAgent string     `json:"user_agent,omitempty"`
	IP        string     `json:"ip,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"-"`
	IsCurrent bool       `json:"is_current"`
}

// Metadata is the device context captured at login time.
type Metadata struct {
	UserAgent string
	IP        string
}
