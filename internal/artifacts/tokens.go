package artifacts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/haasonsaas/spacebroker/internal/cache"
)

var (
	ErrTokenInvalid = errors.New("invalid upload token")
	ErrTokenExpired = errors.New("upload token expired")
	ErrTokenUsed    = errors.New("upload token already used")
	// ErrTokenCapacity means too many unexpired tokens have been redeemed to
	// remember another one.
	ErrTokenCapacity = errors.New("too many outstanding upload tokens")
)

// UploadClaims binds an upload capability to one request and requester.
type UploadClaims struct {
	RequestID string `json:"rid"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	// Secret is the HMAC key; at least 16 bytes.
	Secret []byte
	// TTL is the token lifetime (defaults to one hour).
	TTL time.Duration
	// MaxOutstanding bounds the used-token ledger. When that many unexpired
	// tokens have been redeemed, further redemptions fail with
	// ErrTokenCapacity until older tokens expire.
	MaxOutstanding int
	Now            func() time.Time
}

// TokenIssuer signs and redeems single-use upload tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	ledger *cache.Ledger
	now    func() time.Time
}

// NewTokenIssuer creates an issuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("upload token secret must be at least 16 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 100000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		now:    now,
		// A used jti only needs remembering until the token would have
		// expired anyway.
		ledger: cache.NewLedger(cache.LedgerOptions{
			Retention: cfg.TTL + time.Minute,
			MaxSize:   cfg.MaxOutstanding,
			Now:       now,
		}),
	}, nil
}

// TTL returns the token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs a token allowing requesterID to upload one result for requestID.
func (t *TokenIssuer) Issue(requestID, requesterID string) (string, error) {
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(requesterID) == "" {
		return "", errors.New("request id and requester id are required")
	}
	now := t.now()
	claims := UploadClaims{
		RequestID: requestID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requesterID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature and expiry without consuming the token.
func (t *TokenIssuer) Verify(token string) (*UploadClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &UploadClaims{}, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*UploadClaims)
	if !ok || !parsed.Valid || claims.RequestID == "" || claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Redeem verifies token and consumes it. A second redemption of the same
// token fails with ErrTokenUsed until Release hands it back.
func (t *TokenIssuer) Redeem(token string) (*UploadClaims, error) {
	claims, err := t.Verify(token)
	if err != nil {
		return nil, err
	}
	switch err := t.ledger.Claim(claims.ID); {
	case errors.Is(err, cache.ErrLedgerFull):
		return nil, ErrTokenCapacity
	case err != nil:
		return nil, ErrTokenUsed
	}
	return claims, nil
}

// Release returns a redeemed token whose upload did not complete, so the
// worker can retry with it.
func (t *TokenIssuer) Release(claims *UploadClaims) {
	if claims != nil {
		t.ledger.Release(claims.ID)
	}
}

// Prune forgets used tokens that have expired.
func (t *TokenIssuer) Prune() int {
	return t.ledger.Prune()
}
