package server

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims holds the JWT claims for an authenticated UI session.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthService gates the web UI behind a single shared password. The
// gateway is single-character; there is no per-user account model.
type AuthService struct {
	enabled      bool
	passwordHash []byte
	jwtKey       []byte
	expiry       time.Duration
}

// NewAuthService creates an auth service. With enabled false every
// token check passes. An empty jwtSecret gets a random per-process
// key, which invalidates tokens across restarts.
func NewAuthService(enabled bool, passwordHash, jwtSecret string, expirySeconds int) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := 24 * time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	return &AuthService{
		enabled:      enabled,
		passwordHash: []byte(passwordHash),
		jwtKey:       key,
		expiry:       expiry,
	}
}

// Enabled reports whether authentication is required.
func (a *AuthService) Enabled() bool { return a.enabled }

// Login checks the shared password and returns a signed token.
func (a *AuthService) Login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	return a.issue()
}

func (a *AuthService) issue() (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ui",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "dr-client",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a token string. When auth is
// disabled any token, including none, validates.
func (a *AuthService) ValidateToken(tokenStr string) error {
	if !a.enabled {
		return nil
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// RefreshToken validates the given token and issues a fresh one.
func (a *AuthService) RefreshToken(tokenStr string) (string, error) {
	if err := a.ValidateToken(tokenStr); err != nil {
		return "", err
	}
	return a.issue()
}

// HashPassword produces a bcrypt hash suitable for the config file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
