package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"banking-gateway/internal/models"
	"banking-gateway/internal/ratelimit"
	"banking-gateway/internal/service"
	"banking-gateway/internal/util"
)

// SessionHandler exposes the refresh-token lifecycle over HTTP.
type SessionHandler struct {
	tokens *service.RefreshTokenService
}

func NewSessionHandler(tokens *service.RefreshTokenService) *SessionHandler {
	return &SessionHandler{tokens: tokens}
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	RefreshToken string    `json:"refreshToken"`
	Username     string    `json:"username"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type sessionView struct {
	TokenHint string    `json:"tokenHint"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// RegisterRoutes registers the session routes under /auth.
func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/sessions", h.IssueSession)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Get("/sessions", h.ListSessions)
	})
}

// IssueSession issues a refresh token for the authenticated principal.
func (h *SessionHandler) IssueSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	token, err := h.tokens.Issue(r.Context(), principal.Username, clientContext(r))
	if err != nil {
		respondWithServiceError(w, err, "Failed to issue refresh token")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(tokenResponse{
		RefreshToken: token.Token,
		Username:     token.Username,
		ExpiresAt:    token.ExpiryDate,
	}, "Refresh token issued"))
}

// Refresh rotates the presented refresh token.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRefreshTokenRequest(w, r)
	if !ok {
		return
	}

	token, err := h.tokens.Rotate(r.Context(), req.RefreshToken, clientContext(r))
	if err != nil {
		respondWithServiceError(w, err, "Failed to refresh token")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(tokenResponse{
		RefreshToken: token.Token,
		Username:     token.Username,
		ExpiresAt:    token.ExpiryDate,
	}, "Refresh token rotated"))
}

// Logout deletes a single refresh token.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRefreshTokenRequest(w, r)
	if !ok {
		return
	}

	if err := h.tokens.Delete(r.Context(), req.RefreshToken); err != nil {
		respondWithServiceError(w, err, "Failed to log out")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// LogoutAll revokes every refresh token of the authenticated principal.
func (h *SessionHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	revoked, err := h.tokens.RevokeAllForUser(r.Context(), principal.Username)
	if err != nil {
		respondWithServiceError(w, err, "Failed to revoke sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"revoked": revoked}, "All sessions revoked"))
}

// ListSessions lists the principal's active sessions. Token values are
// truncated to a hint.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	tokens, err := h.tokens.ActiveTokens(r.Context(), principal.Username)
	if err != nil {
		respondWithServiceError(w, err, "Failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, sessionView{
			TokenHint: tokenHint(t.Token),
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiryDate,
			IPAddress: t.IPAddress,
			UserAgent: t.UserAgent,
		})
	}
	respondWithJSON(w, http.StatusOK, successResponse(views, ""))
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	principal := PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		respondWithJSON(w, http.StatusUnauthorized, errorResponse("authentication_required", "Authentication required"))
		return Principal{}, false
	}
	return principal, true
}

func decodeRefreshTokenRequest(w http.ResponseWriter, r *http.Request) (refreshTokenRequest, bool) {
	var req refreshTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.RefreshToken == "" {
		respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid_request", "refreshToken is required"))
		return req, false
	}
	return req, true
}

func clientContext(r *http.Request) models.ClientContext {
	return models.ClientContext{
		IPAddress: ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func tokenHint(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// respondWithServiceError maps service errors onto status codes and tags.
func respondWithServiceError(w http.ResponseWriter, err error, message string) {
	status, tag := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, service.ErrTokenExpired):
		status, tag, message = http.StatusUnauthorized, "token_expired", "Refresh token has expired"
	case errors.Is(err, service.ErrTokenRevoked):
		status, tag, message = http.StatusUnauthorized, "token_revoked", "Refresh token has been revoked"
	case errors.Is(err, service.ErrTokenNotFound):
		status, tag, message = http.StatusUnauthorized, "token_not_found", "Refresh token not found"
	case errors.Is(err, service.ErrUserNotFound):
		status, tag = http.StatusNotFound, "user_not_found"
	case errors.Is(err, service.ErrUserBlocked):
		status, tag = http.StatusForbidden, "user_blocked"
	case errors.Is(err, service.ErrStoreUnavailable):
		status, tag = http.StatusServiceUnavailable, "store_unavailable"
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		util.Error("Session request failed", util.ErrorField(err), util.Int("status_code", status))
	} else {
		util.Debug("Session request rejected", util.ErrorField(err), util.Int("status_code", status))
	}
	respondWithJSON(w, status, errorResponse(tag, message))
}
