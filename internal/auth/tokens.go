package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/ids"
)

// Token kinds carried in the kind claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Default token lifetimes.
const (
	DefaultAccessTTL   = time.Hour
	DefaultRefreshTTL  = 7 * 24 * time.Hour
	DefaultRememberTTL = 365 * 24 * time.Hour
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the JWT claims issued for staff sessions.
type Claims struct {
	UserType string `json:"utype"`
	Kind     string `json:"kind"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a uuid.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	IssuedAt         time.Time `json:"-"`
	RememberMe       bool      `json:"-"`
}

// IssuerConfig configures token signing.
type IssuerConfig struct {
	Secret      string
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	RememberTTL time.Duration
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	cfg    IssuerConfig
	now    func() time.Time
}

// NewIssuer validates cfg and builds an Issuer. Zero TTLs fall back to the defaults.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "ktl-billing"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.RememberTTL <= 0 {
		cfg.RememberTTL = DefaultRememberTTL
	}
	return &Issuer{secret: []byte(cfg.Secret), cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the issuer clock. Tests only.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// AccessTTL reports the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.cfg.AccessTTL
}

// Issue signs a fresh token pair for the user.
func (i *Issuer) Issue(userID uuid.UUID, userType string, rememberMe bool) (Pair, error) {
	now := i.now().UTC().Truncate(time.Second)
	refreshTTL := i.cfg.RefreshTTL
	if rememberMe {
		refreshTTL = i.cfg.RememberTTL
	}
	access, err := i.sign(userID, userType, KindAccess, now, now.Add(i.cfg.AccessTTL))
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(userID, userType, KindRefresh, now, now.Add(refreshTTL))
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresAt:        now.Add(i.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(refreshTTL),
		IssuedAt:         now,
		RememberMe:       rememberMe,
	}, nil
}

func (i *Issuer) sign(userID uuid.UUID, userType, kind string, now, exp time.Time) (string, error) {
	claims := Claims{
		UserType: userType,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.At(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Parse verifies signature, issuer, expiry and kind.
func (i *Issuer) Parse(token, kind string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Kind != kind || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
