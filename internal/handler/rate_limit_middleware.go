package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"banking-gateway/internal/ratelimit"
	"banking-gateway/internal/service"
	"banking-gateway/internal/util"
)

// RateLimiter decides whether a request may proceed.
type RateLimiter interface {
	Evaluate(ctx context.Context, identity, role, path string) service.Decision
}

// rateLimitExceeded is the 429 response body.
type rateLimitExceeded struct {
	Error         string       `json:"error"`
	Message       string       `json:"message"`
	Timestamp     time.Time    `json:"timestamp"`
	Path          string       `json:"path"`
	RateLimitInfo service.Info `json:"rateLimitInfo"`
}

var skipRateLimitPrefixes = []string{"/health", "/metrics", "/swagger"}

func skipRateLimit(path string) bool {
	if path == "/error" {
		return true
	}
	for _, prefix := range skipRateLimitPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RateLimitMiddleware applies the limiter to every request outside the skip
// list. It must run after PrincipalMiddleware.
func RateLimitMiddleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipRateLimit(path) {
				next.ServeHTTP(w, r)
				return
			}

			principal := PrincipalFromContext(r.Context())
			identity := ratelimit.IdentityKey(principal.Username, ratelimit.ClientIP(r))
			decision := limiter.Evaluate(r.Context(), identity, principal.Role, path)

			if decision.FailOpen {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Config.Capacity, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

			if !decision.Allowed {
				writeRateLimitExceeded(w, r, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitExceeded(w http.ResponseWriter, r *http.Request, decision service.Decision) {
	// Whole seconds, rounded up so clients never retry before a token exists.
	retryAfter := (decision.RetryAfter.Milliseconds() + 999) / 1000
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := rateLimitExceeded{
		Error:         "Rate Limit Exceeded",
		Message:       "Too many requests. Please try again later.",
		Timestamp:     time.Now().UTC(),
		Path:          r.URL.Path,
		RateLimitInfo: decision.Info(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("Failed to encode rate limit response", util.ErrorField(err))
	}
}
