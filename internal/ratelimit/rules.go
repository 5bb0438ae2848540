package ratelimit

import (
	"strings"
	"time"
)

var (
	// AdminConfig: 1000 requests per minute.
	AdminConfig = BucketConfig{Name: "ADMIN", Capacity: 1000, RefillTokens: 1000, RefillPeriod: time.Minute}
	// CustomerConfig: 100 requests per minute.
	CustomerConfig = BucketConfig{Name: "CUSTOMER", Capacity: 100, RefillTokens: 100, RefillPeriod: time.Minute}
	// GuestConfig: 20 requests per minute for unauthenticated callers.
	GuestConfig = BucketConfig{Name: "GUEST", Capacity: 20, RefillTokens: 20, RefillPeriod: time.Minute}
	// AuthConfig: 10 attempts per minute on authentication endpoints.
	AuthConfig = BucketConfig{Name: "AUTH", Capacity: 10, RefillTokens: 10, RefillPeriod: time.Minute}
	// BankingConfig: 30 money-movement operations per minute.
	BankingConfig = BucketConfig{Name: "BANKING", Capacity: 30, RefillTokens: 30, RefillPeriod: time.Minute}
)

// Rule maps a request classification onto a bucket configuration.
type Rule struct {
	Name   string
	Match  func(role, path string) bool
	Config BucketConfig
}

// RuleTable is evaluated top-down; the first matching rule wins.
type RuleTable []Rule

// DefaultRules puts endpoint classes ahead of roles, so an admin moving money
// is limited by the banking bandwidth.
func DefaultRules() RuleTable {
	return RuleTable{
		{Name: "auth-endpoint", Match: pathContains("/auth/"), Config: AuthConfig},
		{Name: "banking-endpoint", Match: pathContains("/deposit", "/withdraw", "/transfer"), Config: BankingConfig},
		{Name: "admin-role", Match: roleIs("ADMIN"), Config: AdminConfig},
		{Name: "customer-role", Match: roleIs("CUSTOMER"), Config: CustomerConfig},
		{Name: "guest", Match: func(string, string) bool { return true }, Config: GuestConfig},
	}
}

// Classify returns the configuration of the first matching rule, or
// GuestConfig when nothing matches.
func (t RuleTable) Classify(role, path string) BucketConfig {
	for _, rule := range t {
		if rule.Match(role, path) {
			return rule.Config
		}
	}
	return GuestConfig
}

// Configs lists the distinct configurations reachable through the table.
func (t RuleTable) Configs() []BucketConfig {
	seen := make(map[string]bool, len(t))
	configs := make([]BucketConfig, 0, len(t))
	for _, rule := range t {
		if seen[rule.Config.Name] {
			continue
		}
		seen[rule.Config.Name] = true
		configs = append(configs, rule.Config)
	}
	return configs
}

// NormalizeRole upper-cases role and strips a ROLE_ prefix.
func NormalizeRole(role string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(role)), "ROLE_")
}

func pathContains(fragments ...string) func(string, string) bool {
	return func(_ string, path string) bool {
		for _, f := range fragments {
			if strings.Contains(path, f) {
				return true
			}
		}
		return false
	}
}

func roleIs(want string) func(string, string) bool {
	return func(role, _ string) bool {
		return NormalizeRole(role) == want
	}
}
