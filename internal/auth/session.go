// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/models"
)

// CookieName is the cookie carrying the session token.
const CookieName = "auth_token"

var (
	ErrNoToken     = errors.New("no auth token")
	ErrCannotIssue = errors.New("authenticator has no private key")
)

// Claims are the identity provider's token claims.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies EdDSA session tokens. A verify-only
// authenticator has no private key.
type Authenticator struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration // 0 => tokens never expire
}

// ParseTTL reads a token lifetime. "", "0" and "never" mean no expiry.
func ParseTTL(s string) (time.Duration, error) {
	if s == "" || s == "0" || s == "never" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// NewEphemeral generates a fresh ed25519 key pair at runtime. Tokens do not
// survive a restart.
func NewEphemeral(ttl time.Duration) (*Authenticator, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Authenticator{privateKey: priv, publicKey: pub, ttl: ttl}, nil
}

// NewFromPath reads ed25519 keys from file. Each file holds either the raw key
// bytes or a PEM block (PKCS#8 private, PKIX public). An empty privatePath
// yields a verify-only authenticator.
func NewFromPath(privatePath, publicPath string, ttl time.Duration) (*Authenticator, error) {
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	pub, err := parsePublicKey(publicKeyData)
	if err != nil {
		return nil, err
	}
	a := &Authenticator{publicKey: pub, ttl: ttl}

	if privatePath == "" {
		return a, nil
	}
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	if a.privateKey, err = parsePrivateKey(privateKeyData); err != nil {
		return nil, err
	}
	return a, nil
}

func parsePublicKey(data []byte) (ed25519.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want ed25519", key)
		}
		return pub, nil
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(data), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(data), nil
}

func parsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want ed25519", key)
		}
		return priv, nil
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(data), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(data), nil
}

// CreateJWT signs a token for id with sub = user id.
func (a *Authenticator) CreateJWT(id models.Identity) (string, error) {
	if a.privateKey == nil {
		return "", ErrCannotIssue
	}
	now := time.Now()
	claims := Claims{
		Role: string(id.Role),
		Name: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(a.privateKey)
}

// AuthenticateJWT verifies a token and returns the identity it carries.
func (a *Authenticator) AuthenticateJWT(tokenString string) (models.Identity, error) {
	var claims Claims
	t, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.publicKey, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return models.Identity{}, fmt.Errorf("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.Identity{}, fmt.Errorf("invalid sub in jwt: %w", err)
	}
	role := models.Role(claims.Role)
	switch role {
	case models.RoleTeacher, models.RoleStudent:
	case "":
		role = models.RoleStudent
	default:
		return models.Identity{}, fmt.Errorf("unknown role %q in jwt", claims.Role)
	}
	return models.Identity{UserID: userID, Role: role, DisplayName: claims.Name}, nil
}

// TokenFromRequest returns the bearer token or the auth_token cookie value.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoToken
}
