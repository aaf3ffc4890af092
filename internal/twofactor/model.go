package twofactor

import "time"

// Setting is one user's TOTP enrollment. A row starts unverified at setup and
// only flips to enabled once the user proves possession of the secret.
type Setting struct {
	UserID     string
	Secret     string
	Enabled    bool
	Verified   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// SetupResult is handed back once so the client can render a QR code.
type SetupResult struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}
