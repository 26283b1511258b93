package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/pkg/crypto"
)

const issuer = "lorawan-sim"

// Token scopes
const (
	ScopeAccess  = "access"
	ScopeRefresh = "refresh"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// JWTManager issues and checks the bearer tokens of the API. There is a
// single configured operator account.
type JWTManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		now:    time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Scope    string `json:"scope"`
}

// TokenPair is returned by Login and Refresh
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Login checks the operator credentials and issues a token pair
func (m *JWTManager) Login(username, password string) (*TokenPair, error) {
	if m.config.AdminPasswordHash == "" || username != m.config.AdminUser {
		return nil, ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(password, m.config.AdminPasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return m.GenerateTokenPair(username)
}

// GenerateTokenPair generates access and refresh tokens
func (m *JWTManager) GenerateTokenPair(username string) (*TokenPair, error) {
	access, err := m.sign(username, ScopeAccess, m.config.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(username, ScopeRefresh, m.config.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(m.config.AccessTokenTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (m *JWTManager) sign(username, scope string, ttl time.Duration) (string, error) {
	id, err := crypto.GenerateRandomString(12)
	if err != nil {
		return "", err
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        id,
		},
		Username: username,
		Scope:    scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.Secret))
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	return m.parse(tokenString, ScopeAccess)
}

// RefreshToken exchanges a refresh token for a new pair
func (m *JWTManager) RefreshToken(refreshTokenString string) (*TokenPair, error) {
	claims, err := m.parse(refreshTokenString, ScopeRefresh)
	if err != nil {
		return nil, err
	}
	// the account may have been renamed since
	if claims.Username != m.config.AdminUser {
		return nil, ErrInvalidToken
	}
	return m.GenerateTokenPair(claims.Username)
}

func (m *JWTManager) parse(tokenString, scope string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Scope != scope {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
