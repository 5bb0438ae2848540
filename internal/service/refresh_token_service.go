package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"banking-gateway/internal/audit"
	"banking-gateway/internal/config"
	"banking-gateway/internal/models"
	redisrepo "banking-gateway/internal/repository/redis"
	"banking-gateway/internal/repository/scylla"
	"banking-gateway/internal/util"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserBlocked      = errors.New("user is blocked")
	ErrTokenNotFound    = errors.New("refresh token not found")
	ErrTokenExpired     = errors.New("refresh token expired")
	ErrTokenRevoked     = errors.New("refresh token revoked")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// RefreshTokenService manages the lifecycle of refresh tokens: issue, verify,
// rotate, revoke and purge. Tokens expire lazily; PurgeExpired reclaims the
// ones nobody presents again.
type RefreshTokenService struct {
	users        scylla.UserDirectory
	tokens       *redisrepo.TokenCache
	events       audit.Emitter
	ttl          time.Duration
	maxPerUser   int
	storeTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

type RefreshTokenOption func(*RefreshTokenService)

// WithTokenClock replaces time.Now.
func WithTokenClock(now func() time.Time) RefreshTokenOption {
	return func(s *RefreshTokenService) { s.now = now }
}

// WithTokenIDGenerator replaces the random token generator.
func WithTokenIDGenerator(gen func() string) RefreshTokenOption {
	return func(s *RefreshTokenService) { s.newID = gen }
}

func NewRefreshTokenService(
	users scylla.UserDirectory,
	tokens *redisrepo.TokenCache,
	events audit.Emitter,
	cfg config.SessionConfig,
	opts ...RefreshTokenOption,
) *RefreshTokenService {
	if events == nil {
		events = audit.NoOpEmitter{}
	}
	s := &RefreshTokenService{
		users:        users,
		tokens:       tokens,
		events:       events,
		ttl:          cfg.RefreshTokenDuration,
		maxPerUser:   cfg.MaxTokensPerUser,
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a token for username. When the user already holds the
// maximum number of active tokens the oldest ones are evicted first.
func (s *RefreshTokenService) Issue(ctx context.Context, username string, client models.ClientContext) (*models.RefreshToken, error) {
	return s.issue(ctx, username, client, "")
}

// issue creates a token for username. A non-empty replacing names the token
// being rotated out: it already counts as a freed slot, so it is never
// evicted here and siblings are evicted only beyond the cap.
func (s *RefreshTokenService) issue(ctx context.Context, username string, client models.ClientContext, replacing string) (*models.RefreshToken, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return nil, storeError(err)
	}
	if user.IsBlocked {
		return nil, fmt.Errorf("%w: %s", ErrUserBlocked, username)
	}

	now := s.now()
	active, err := s.activeTokens(ctx, username, now)
	if err != nil {
		return nil, err
	}
	if replacing != "" {
		kept := active[:0]
		for _, t := range active {
			if t.Token != replacing {
				kept = append(kept, t)
			}
		}
		active = kept
	}

	if s.maxPerUser > 0 {
		for len(active) >= s.maxPerUser {
			oldest := active[0]
			if err := s.deleteRecord(ctx, oldest); err != nil {
				return nil, err
			}
			util.Info("Evicted oldest refresh token",
				zap.String("username", username),
				zap.Int("limit", s.maxPerUser))
			s.emit(ctx, models.EventTokenEvicted, username, oldest.IPAddress, nil)
			active = active[1:]
		}
	}

	token := &models.RefreshToken{
		Token:      s.newID(),
		Username:   username,
		UserID:     user.UserID,
		ExpiryDate: now.Add(s.ttl),
		CreatedAt:  now,
		IPAddress:  util.SanitizeClientField(client.IPAddress),
		UserAgent:  util.SanitizeClientField(client.UserAgent),
	}

	if err := s.tokens.SaveToken(ctx, token, s.ttl); err != nil {
		return nil, storeError(err)
	}

	// The record is authoritative; a missing index entry only weakens the
	// per-user cap until PurgeExpired or the token's own expiry.
	if err := s.tokens.AddToIndex(ctx, username, token.Token, s.ttl); err != nil {
		util.Warn("Failed to index refresh token",
			zap.String("username", username),
			zap.Error(err))
	}

	s.emit(ctx, models.EventTokenIssued, username, token.IPAddress, nil)
	util.Debug("Refresh token issued",
		zap.String("username", username),
		zap.Time("expires_at", token.ExpiryDate))

	return token, nil
}

// Resolve returns the token record if it exists and has not expired. An
// expired record is deleted and reported as absent.
func (s *RefreshTokenService) Resolve(ctx context.Context, token string) (*models.RefreshToken, bool, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	record, found, err := s.tokens.GetToken(ctx, token)
	if err != nil {
		return nil, false, storeError(err)
	}
	if !found {
		return nil, false, nil
	}
	if record.IsExpired(s.now()) {
		if err := s.deleteRecord(ctx, record); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return record, true, nil
}

// Verify checks that token can be used. Revocation is checked before
// existence so a revoked token reports ErrTokenRevoked even after its record
// is gone.
func (s *RefreshTokenService) Verify(ctx context.Context, token string) (*models.RefreshToken, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	revoked, err := s.tokens.IsBlacklisted(ctx, token)
	if err != nil {
		return nil, storeError(err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	record, found, err := s.tokens.GetToken(ctx, token)
	if err != nil {
		return nil, storeError(err)
	}
	if !found {
		return nil, ErrTokenNotFound
	}
	if record.IsExpired(s.now()) {
		if err := s.deleteRecord(ctx, record); err != nil {
			util.Warn("Failed to delete expired refresh token", zap.Error(err))
		}
		return nil, ErrTokenExpired
	}
	return record, nil
}

// IsValid reports whether token would pass Verify.
func (s *RefreshTokenService) IsValid(ctx context.Context, token string) bool {
	_, err := s.Verify(ctx, token)
	return err == nil
}

// Rotate exchanges oldToken for a new one. The old token is deleted only
// after the new one has been stored, so a failure never leaves the user
// without a token. Two concurrent rotations of the same token may both
// succeed.
func (s *RefreshTokenService) Rotate(ctx context.Context, oldToken string, client models.ClientContext) (*models.RefreshToken, error) {
	record, err := s.Verify(ctx, oldToken)
	if err != nil {
		return nil, err
	}

	issued, err := s.issue(ctx, record.Username, client, record.Token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.deleteRecord(ctx, record); err != nil {
		util.Warn("Failed to delete rotated refresh token",
			zap.String("username", record.Username),
			zap.Error(err))
	}

	s.emit(ctx, models.EventTokenRotated, record.Username, issued.IPAddress, nil)
	return issued, nil
}

// Delete removes a single token. Deleting an unknown token is not an error.
func (s *RefreshTokenService) Delete(ctx context.Context, token string) error {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	record, found, err := s.tokens.GetToken(ctx, token)
	if err != nil {
		return storeError(err)
	}
	if !found {
		return nil
	}
	return s.deleteRecord(ctx, record)
}

// RevokeAllForUser blacklists every active token of username until its
// natural expiry and deletes the records. It returns the number revoked.
func (s *RefreshTokenService) RevokeAllForUser(ctx context.Context, username string) (int, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	ids, err := s.tokens.IndexMembers(ctx, username)
	if err != nil {
		return 0, storeError(err)
	}

	now := s.now()
	revoked := 0
	for _, id := range ids {
		record, found, err := s.tokens.GetToken(ctx, id)
		if err != nil {
			return revoked, storeError(err)
		}
		if found && !record.IsExpired(now) {
			if err := s.tokens.Blacklist(ctx, id, record.RemainingLifetime(now)); err != nil {
				return revoked, storeError(err)
			}
			revoked++
		}
		if err := s.tokens.DeleteToken(ctx, id); err != nil {
			return revoked, storeError(err)
		}
	}

	if err := s.tokens.ClearIndex(ctx, username); err != nil {
		return revoked, storeError(err)
	}

	util.Info("Revoked all refresh tokens",
		zap.String("username", username),
		zap.Int("revoked", revoked))
	s.emit(ctx, models.EventTokensRevokedAll, username, "", map[string]string{
		"revoked": strconv.Itoa(revoked),
	})
	return revoked, nil
}

// ActiveTokens lists the unexpired tokens of username, oldest first.
func (s *RefreshTokenService) ActiveTokens(ctx context.Context, username string) ([]*models.RefreshToken, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.activeTokens(ctx, username, s.now())
}

// PurgeExpired scans every stored token and deletes the expired ones. It is
// idempotent; keys that disappear during the scan are skipped.
func (s *RefreshTokenService) PurgeExpired(ctx context.Context) (int, error) {
	util.Info("Starting cleanup of expired refresh tokens")

	ids, err := s.tokens.TokenIDs(ctx)
	if err != nil {
		return 0, storeError(err)
	}

	now := s.now()
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		record, found, err := s.tokens.GetToken(ctx, id)
		if err != nil {
			return removed, storeError(err)
		}
		if !found || !record.IsExpired(now) {
			continue
		}
		if err := s.deleteRecord(ctx, record); err != nil {
			return removed, err
		}
		removed++
	}

	util.Info("Expired refresh token cleanup completed",
		zap.Int("scanned", len(ids)),
		zap.Int("removed", removed))
	if removed > 0 {
		s.emit(ctx, models.EventTokensPurged, "system", "", map[string]string{
			"removed": strconv.Itoa(removed),
		})
	}
	return removed, nil
}

// activeTokens reads the user's index, drops entries whose record expired or
// vanished, and returns the rest ordered oldest first.
func (s *RefreshTokenService) activeTokens(ctx context.Context, username string, now time.Time) ([]*models.RefreshToken, error) {
	ids, err := s.tokens.IndexMembers(ctx, username)
	if err != nil {
		return nil, storeError(err)
	}

	active := make([]*models.RefreshToken, 0, len(ids))
	var stale []string
	for _, id := range ids {
		record, found, err := s.tokens.GetToken(ctx, id)
		if err != nil {
			return nil, storeError(err)
		}
		switch {
		case !found:
			stale = append(stale, id)
		case record.IsExpired(now):
			if err := s.tokens.DeleteToken(ctx, id); err != nil {
				return nil, storeError(err)
			}
			stale = append(stale, id)
		default:
			active = append(active, record)
		}
	}

	if err := s.tokens.RemoveFromIndex(ctx, username, stale...); err != nil {
		util.Warn("Failed to prune token index",
			zap.String("username", username),
			zap.Int("stale", len(stale)),
			zap.Error(err))
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].Token < active[j].Token
	})
	return active, nil
}

func (s *RefreshTokenService) deleteRecord(ctx context.Context, record *models.RefreshToken) error {
	if err := s.tokens.DeleteToken(ctx, record.Token); err != nil {
		return storeError(err)
	}
	if err := s.tokens.RemoveFromIndex(ctx, record.Username, record.Token); err != nil {
		util.Warn("Failed to remove refresh token from index",
			zap.String("username", record.Username),
			zap.Error(err))
	}
	return nil
}

func (s *RefreshTokenService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *RefreshTokenService) emit(ctx context.Context, eventType, username, ip string, details map[string]string) {
	event := audit.NewEvent(eventType, username, details)
	event.IPAddress = ip
	s.events.Emit(ctx, event)
}

func storeError(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
