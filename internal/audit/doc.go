// Package audit publishes security events (rate-limit denials, token
// lifecycle changes) to external sinks without blocking the request path.
package audit
