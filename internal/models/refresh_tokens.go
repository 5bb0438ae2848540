package models

import "time"

// RefreshToken is a long-lived opaque credential stored as JSON under
// refresh_token:<token>.
type RefreshToken struct {
	Token      string    `json:"token"`
	Username   string    `json:"username"`
	UserID     string    `json:"user_id"`
	ExpiryDate time.Time `json:"expiry_date"`
	CreatedAt  time.Time `json:"created_at"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiryDate)
}

// RemainingLifetime is the time left before expiry, never negative.
func (t *RefreshToken) RemainingLifetime(now time.Time) time.Duration {
	if d := t.ExpiryDate.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ClientContext is the request metadata recorded on an issued token.
type ClientContext struct {
	IPAddress string
	UserAgent string
}
