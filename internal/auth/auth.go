// Package auth resolves requester identities from API keys and session JWTs.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// DefaultTier is assigned when a credential names no tier.
const DefaultTier = "standard"

// Identity is an authenticated requester.
type Identity struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
	Admin  bool   `json:"admin,omitempty"`
}

// Anonymous is the identity used when no credentials are configured.
var Anonymous = Identity{UserID: "anonymous", Tier: DefaultTier}

// Config configures authentication.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
	Now         func() time.Time
}

// APIKeyConfig declares a static API key and its identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Tier   string
	Admin  bool
}

// Service validates API keys and JWTs.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]Identity
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: buildAPIKeyMap(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
		if cfg.Now != nil {
			service.jwt.now = cfg.Now
		}
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// Authenticate resolves a bearer credential, trying API keys first and then
// session JWTs.
func (s *Service) Authenticate(credential string) (Identity, error) {
	if !s.Enabled() {
		return Identity{}, ErrAuthDisabled
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrInvalidKey
	}
	if id, err := s.ValidateAPIKey(credential); err == nil {
		return id, nil
	}
	if s.jwt != nil && strings.Count(credential, ".") == 2 {
		return s.jwt.Validate(credential)
	}
	return Identity{}, ErrInvalidKey
}

// IssueToken signs a session JWT for id.
func (s *Service) IssueToken(id Identity) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(id)
}

// ValidateAPIKey compares key against every configured key in constant time.
func (s *Service) ValidateAPIKey(key string) (Identity, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var (
		matched Identity
		found   bool
	)
	for storedKey, id := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched, found = id, true
		}
	}
	if !found {
		return Identity{}, ErrInvalidKey
	}
	return matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]Identity {
	out := map[string]Identity{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		tier := strings.TrimSpace(entry.Tier)
		if tier == "" {
			tier = DefaultTier
		}
		out[key] = Identity{UserID: userID, Tier: tier, Admin: entry.Admin}
	}
	return out
}
