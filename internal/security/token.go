package security

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Permission names an operation a peer credential allows
type Permission string

const (
	PermSyncRead    Permission = "sync:read"
	PermSyncWrite   Permission = "sync:write"
	PermInitialLoad Permission = "sync:initial_load"
)

// DefaultPermissions are granted to a peer that proves knowledge of the
// registration secret.
var DefaultPermissions = []Permission{PermSyncRead, PermSyncWrite, PermInitialLoad}

// AuthToken is the decoded view of a peer credential.
type AuthToken struct {
	TokenID     string       `json:"tokenId"`
	NodeID      string       `json:"nodeId"`
	Permissions []Permission `json:"permissions"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Signature   string       `json:"signature"`
}

// Has reports whether the token grants p.
func (t *AuthToken) Has(p Permission) bool {
	return slices.Contains(t.Permissions, p)
}

type tokenClaims struct {
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

func (m *Manager) signToken(secret, nodeID string, perms []Permission) (string, *AuthToken, error) {
	now := m.now()
	claims := tokenClaims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   nodeID,
			Issuer:    m.serviceName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return raw, tokenFromClaims(raw, &claims), nil
}

func (m *Manager) parseToken(raw, secret string) (*AuthToken, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return tokenFromClaims(raw, claims), nil
}

func tokenFromClaims(raw string, c *tokenClaims) *AuthToken {
	t := &AuthToken{
		TokenID:     c.ID,
		NodeID:      c.Subject,
		Permissions: c.Permissions,
	}
	if c.ExpiresAt != nil {
		t.ExpiresAt = c.ExpiresAt.Time
	}
	if i := strings.LastIndexByte(raw, '.'); i >= 0 {
		t.Signature = raw[i+1:]
	}
	return t
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
