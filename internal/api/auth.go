package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	errNoToken  = errors.New("api: missing bearer token")
	errNoSecret = errors.New("api: admin endpoints are disabled")
)

// IssueToken signs an HS256 admin token for subject.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errNoSecret
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// caller authenticates r and returns the token subject. The registry decides
// whether that subject is the admin.
func (s *Server) caller(r *http.Request) (string, error) {
	if len(s.cfg.JWTSecret) == 0 {
		return "", errNoSecret
	}
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || raw == "" {
		return "", errNoToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %s", t.Header["alg"])
		}
		return s.cfg.JWTSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("api: invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("api: token has no subject")
	}
	return claims.Subject, nil
}
