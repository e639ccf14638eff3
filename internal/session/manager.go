package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

const issuer = "lmsrelay"

// Claims is the payload of a relay session token.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates HS256 session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ interfaces.SessionManager = (*Manager)(nil)

// NewManager signs with secret. An empty secret is replaced by a random
// one, so tokens do not survive a restart.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		log.Printf("[session] no signing secret configured, using an ephemeral one")
	}
	if len(key) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: key, ttl: ttl, now: time.Now}, nil
}

func ValidRole(role string) bool {
	switch role {
	case types.RoleStudent, types.RoleLecturer, types.RoleAdmin:
		return true
	}
	return false
}

// Issue signs a token for identity.
func (m *Manager) Issue(identity types.Identity) (string, time.Time, error) {
	if !types.IsValidUserID(identity.UserID) {
		return "", time.Time{}, ErrMissingUserID
	}
	if !ValidRole(identity.Role) {
		return "", time.Time{}, ErrInvalidRole
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := &Claims{
		Role: identity.Role,
		Name: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate returns the identity a token was issued for. Failures wrap
// interfaces.ErrUnauthorized.
func (m *Manager) Validate(token string) (types.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Identity{}, fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, ErrExpiredToken)
		}
		return types.Identity{}, fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, ErrInvalidToken)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !types.IsValidUserID(claims.Subject) || !ValidRole(claims.Role) {
		return types.Identity{}, fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, ErrInvalidToken)
	}

	return types.Identity{
		UserID: claims.Subject,
		Role:   claims.Role,
		Name:   claims.Name,
		Token:  token,
	}, nil
}
