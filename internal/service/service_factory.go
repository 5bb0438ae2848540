package service

import (
	"banking-gateway/internal/audit"
	"banking-gateway/internal/config"
	"banking-gateway/internal/ratelimit"
	redisrepo "banking-gateway/internal/repository/redis"
	"banking-gateway/internal/repository/scylla"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg         *config.Config
	engine      *ratelimit.Engine
	tokenCache  *redisrepo.TokenCache
	users       scylla.UserDirectory
	events      audit.Emitter
	rateLimits  *RateLimitService
	refreshToks *RefreshTokenService
}

func NewServiceFactory(
	cfg *config.Config,
	engine *ratelimit.Engine,
	tokenCache *redisrepo.TokenCache,
	users scylla.UserDirectory,
	events audit.Emitter,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		engine:     engine,
		tokenCache: tokenCache,
		users:      users,
		events:     events,
	}
}

// RateLimitService returns the rate limit service instance (singleton)
func (f *ServiceFactory) RateLimitService() *RateLimitService {
	if f.rateLimits == nil {
		f.rateLimits = NewRateLimitService(f.engine, ratelimit.DefaultRules(), f.events)
	}
	return f.rateLimits
}

// RefreshTokenService returns the refresh token service instance (singleton)
func (f *ServiceFactory) RefreshTokenService() *RefreshTokenService {
	if f.refreshToks == nil {
		f.refreshToks = NewRefreshTokenService(f.users, f.tokenCache, f.events, f.cfg.Session)
	}
	return f.refreshToks
}
