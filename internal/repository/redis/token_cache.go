package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"banking-gateway/internal/client"
	"banking-gateway/internal/models"
	"banking-gateway/internal/util"
)

const (
	refreshTokenPrefix   = "refresh_token:"
	userTokensPrefix     = "user_tokens:"
	blacklistTokenPrefix = "blacklist_token:"
)

// TokenCache holds refresh-token records, the per-user token index and the
// revocation blacklist.
type TokenCache struct {
	client client.KVStore
}

func NewTokenCache(client client.KVStore) *TokenCache {
	return &TokenCache{client: client}
}

func (c *TokenCache) SaveToken(ctx context.Context, token *models.RefreshToken, ttl time.Duration) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	if err := c.client.Set(ctx, refreshTokenPrefix+token.Token, string(data), ttl); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetToken returns found=false when no record exists. An unreadable record is
// reported as absent.
func (c *TokenCache) GetToken(ctx context.Context, token string) (*models.RefreshToken, bool, error) {
	raw, err := c.client.Get(ctx, refreshTokenPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get refresh token: %w", err)
	}

	record := &models.RefreshToken{}
	if err := json.Unmarshal([]byte(raw), record); err != nil {
		util.Warn("Ignoring unreadable refresh token record", zap.Error(err))
		return nil, false, nil
	}
	return record, true, nil
}

func (c *TokenCache) DeleteToken(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, refreshTokenPrefix+token); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// AddToIndex records token under the user's index and extends the index
// lifetime to ttl.
func (c *TokenCache) AddToIndex(ctx context.Context, username, token string, ttl time.Duration) error {
	key := userTokensPrefix + username
	if err := c.client.SAdd(ctx, key, token); err != nil {
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	if err := c.client.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("failed to set token index expiry: %w", err)
	}
	return nil
}

func (c *TokenCache) RemoveFromIndex(ctx context.Context, username string, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	members := make([]interface{}, len(tokens))
	for i, t := range tokens {
		members[i] = t
	}
	if err := c.client.SRem(ctx, userTokensPrefix+username, members...); err != nil {
		return fmt.Errorf("failed to remove refresh token from index: %w", err)
	}
	return nil
}

func (c *TokenCache) IndexMembers(ctx context.Context, username string) ([]string, error) {
	members, err := c.client.SMembers(ctx, userTokensPrefix+username)
	if err != nil {
		return nil, fmt.Errorf("failed to read token index: %w", err)
	}
	return members, nil
}

func (c *TokenCache) ClearIndex(ctx context.Context, username string) error {
	if err := c.client.Del(ctx, userTokensPrefix+username); err != nil {
		return fmt.Errorf("failed to clear token index: %w", err)
	}
	return nil
}

// Blacklist marks token revoked for ttl. A non-positive ttl is a no-op since
// the token can no longer be presented successfully.
func (c *TokenCache) Blacklist(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, blacklistTokenPrefix+token, "revoked", ttl); err != nil {
		return fmt.Errorf("failed to blacklist refresh token: %w", err)
	}
	return nil
}

func (c *TokenCache) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	exists, err := c.client.Exists(ctx, blacklistTokenPrefix+token)
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return exists, nil
}

// TokenIDs lists every stored refresh token id. Keys may expire between the
// scan and a later read.
func (c *TokenCache) TokenIDs(ctx context.Context) ([]string, error) {
	keys, err := c.client.ScanPrefix(ctx, refreshTokenPrefix, 100)
	if err != nil {
		return nil, fmt.Errorf("failed to scan refresh tokens: %w", err)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k[len(refreshTokenPrefix):]
	}
	return ids, nil
}
