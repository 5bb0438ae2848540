package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// AnonymousUser is the principal name used for unauthenticated callers.
const AnonymousUser = "anonymousUser"

// IdentityKey returns "user:<name>" for an authenticated caller and
// "ip:<addr>" otherwise.
func IdentityKey(username string, clientIP string) string {
	username = strings.TrimSpace(username)
	if username != "" && username != AnonymousUser {
		return "user:" + username
	}
	return "ip:" + clientIP
}

// BucketKey scopes an identity to one bucket configuration.
func BucketKey(identity string, cfg BucketConfig) string {
	return identity + ":" + cfg.Name
}

// ClientIP resolves the caller address: first X-Forwarded-For entry, then
// X-Real-IP, then the transport peer.
func ClientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
