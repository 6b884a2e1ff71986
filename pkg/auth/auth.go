package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"voicegate-server/pkg/core"
)

// Authenticator validates a client token and resolves the tenant behind it.
type Authenticator interface {
	Authenticate(token string) (tenantID string, err error)
}

// Claims is the JWT payload gateway clients present on init.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return "", core.WrapError(core.CodeUnauthorized, err, "invalid token")
	}
	if !parsed.Valid || claims.TenantID == "" {
		return "", core.NewError(core.CodeUnauthorized, "token carries no tenant")
	}
	return claims.TenantID, nil
}

// Sign issues a token for a tenant. Used by tests and provisioning tooling.
func (a *JWTAuthenticator) Sign(tenantID string, ttl time.Duration) (string, error) {
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// APIKeyAuthenticator resolves static API keys to tenants. Meant for
// server-to-server clients that cannot hold short-lived tokens.
type APIKeyAuthenticator struct {
	keys map[string]string
}

func NewAPIKeyAuthenticator(keys map[string]string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(token string) (string, error) {
	if tenant, ok := a.keys[token]; ok {
		return tenant, nil
	}
	return "", core.NewError(core.CodeUnauthorized, "unknown API key")
}

// Chain tries each authenticator in order and accepts the first success.
type Chain []Authenticator

func (c Chain) Authenticate(token string) (string, error) {
	var lastErr error
	for _, a := range c {
		tenant, err := a.Authenticate(token)
		if err == nil {
			return tenant, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = core.NewError(core.CodeUnauthorized, "no authenticators configured")
	}
	return "", lastErr
}
