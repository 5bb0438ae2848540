package models

import "time"

// Security event types published by the rate limiter and session manager.
const (
	EventRateLimitDenied   = "rate_limit.denied"
	EventRateLimitFailOpen = "rate_limit.fail_open"
	EventTokenIssued       = "refresh_token.issued"
	EventTokenRotated      = "refresh_token.rotated"
	EventTokenEvicted      = "refresh_token.evicted"
	EventTokensRevokedAll  = "refresh_token.revoked_all"
	EventTokensPurged      = "refresh_token.purged"
)

type SecurityEvent struct {
	EventTime time.Time         `json:"event_time" db:"event_time"`
	EventType string            `json:"event_type" db:"event_type"`
	Subject   string            `json:"subject" db:"subject"`
	IPAddress string            `json:"ip_address,omitempty" db:"ip_address"`
	Path      string            `json:"path,omitempty" db:"path"`
	Details   map[string]string `json:"details,omitempty" db:"details"`
}
