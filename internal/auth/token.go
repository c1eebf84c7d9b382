package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// ErrInvalidToken is returned for every token that fails verification.
// Expired and forged tokens are deliberately indistinguishable here.
var ErrInvalidToken = errors.New("invalid token")

// TokenConfig configures a TokenIssuer. AccessSecret and RefreshSecret must
// differ so one kind of token can never verify as the other.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenPair is a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// TokenIssuer mints and verifies HS256 JWTs bound to a user ID.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         clockwork.Clock
	logger        *zap.Logger
}

// NewTokenIssuer constructs a TokenIssuer. A nil clock means wall time.
func NewTokenIssuer(cfg TokenConfig, clock clockwork.Clock, logger *zap.Logger) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenIssuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		issuer:        cfg.Issuer,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		clock:         clock,
		logger:        logger,
	}
}

// IssuePair mints an access and a refresh token for userID.
func (t *TokenIssuer) IssuePair(userID string) (TokenPair, error) {
	now := t.clock.Now()
	access, accessExp, err := t.sign(userID, now, t.accessTTL, t.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := t.sign(userID, now, t.refreshTTL, t.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess returns the subject of a valid access token.
func (t *TokenIssuer) VerifyAccess(tokenString string) (string, error) {
	return t.verify(tokenString, t.accessSecret, "access")
}

// VerifyRefresh returns the subject of a valid refresh token.
func (t *TokenIssuer) VerifyRefresh(tokenString string) (string, error) {
	return t.verify(tokenString, t.refreshSecret, "refresh")
}

func (t *TokenIssuer) sign(userID string, now time.Time, ttl time.Duration, secret []byte) (string, time.Time, error) {
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		ID:        ksuid.New().String(),
		Issuer:    t.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (t *TokenIssuer) verify(tokenString string, secret []byte, kind string) (string, error) {
	claims := jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock.Now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			t.logger.Debug("token expired", zap.String("kind", kind))
		} else {
			t.logger.Debug("token rejected", zap.String("kind", kind), zap.Error(err))
		}
		return "", ErrInvalidToken
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		t.logger.Debug("token missing subject", zap.String("kind", kind))
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
