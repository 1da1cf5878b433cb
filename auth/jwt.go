package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClient authenticates HS256 bearer tokens issued by the credential service.
// The user id is the `sub` claim.
type JWTClient struct {
	Client
	secret []byte
}

func NewJWTClient(secret string) *JWTClient {
	return &JWTClient{secret: []byte(secret)}
}

func (c *JWTClient) Auth(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = r.URL.Query().Get("token")
	}
	return c.AuthenticateToken(token)
}

// AuthenticateToken validates token and returns its subject.
func (c *JWTClient) AuthenticateToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for uid. Used by tests and dev tooling.
func (c *JWTClient) IssueToken(uid string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
