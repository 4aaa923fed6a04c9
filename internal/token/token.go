// Package token issues and validates the bearer credentials shared by the
// HTTP API and the websocket gateway. A token is valid when its signature
// verifies, it has not expired, and its jti has not been revoked — the same
// policy on every transport. The revocation check is fail-closed: if the
// cache cannot answer, authentication fails.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wakesafe/internal/cache"
	"wakesafe/internal/model"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens, and expiry.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrRevoked means the token verified but its jti was revoked.
	ErrRevoked = errors.New("token revoked")
)

// Identity is the authenticated principal extracted from a bearer token.
type Identity struct {
	UserID    string
	JTI       string
	ExpiresAt time.Time
}

// Service mints and revokes signed bearer tokens. The credential cache entry
// per user exists so the server can revoke a user's current token without it
// being presented (logout-everywhere, account deletion).
type Service struct {
	Cache  cache.Cache
	Secret []byte
	TTL    time.Duration
}

// credEntry is the cached record of a user's most recently issued token.
type credEntry struct {
	JTI       string `json:"jti"`
	ExpiresAt int64  `json:"expires_at"`
}

func credKey(userID string) string { return "cred:" + userID }
func revokedKey(jti string) string { return "revoked:" + jti }

// Issue mints a signed token for the user and caches the credential entry
// with a matching TTL.
func (s *Service) Issue(ctx context.Context, user *model.User) (string, *Identity, error) {
	now := time.Now()
	ident := &Identity{
		UserID:    user.ID,
		JTI:       uuid.New().String(),
		ExpiresAt: now.Add(s.TTL),
	}

	claims := jwt.RegisteredClaims{
		Subject:   ident.UserID,
		ID:        ident.JTI,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(ident.ExpiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	entry, err := json.Marshal(credEntry{JTI: ident.JTI, ExpiresAt: ident.ExpiresAt.Unix()})
	if err != nil {
		return "", nil, fmt.Errorf("marshal credential: %w", err)
	}
	if err := s.Cache.Set(ctx, credKey(user.ID), string(entry), s.TTL); err != nil {
		return "", nil, fmt.Errorf("cache credential: %w", err)
	}

	return signed, ident, nil
}

// Authenticate verifies signature and expiry, then checks the jti against
// the revocation set. Any cache failure is an authentication failure.
func (s *Service) Authenticate(ctx context.Context, tokenStr string) (*Identity, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.Secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	revoked, err := s.Cache.Exists(ctx, revokedKey(claims.ID))
	if err != nil {
		return nil, fmt.Errorf("revocation check: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	return &Identity{
		UserID:    claims.Subject,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke writes a revocation entry for the identity's jti, kept for the
// token's remaining lifetime, and drops the user's credential entry.
func (s *Service) Revoke(ctx context.Context, ident *Identity) error {
	remaining := time.Until(ident.ExpiresAt)
	if remaining <= 0 {
		// Already expired; nothing to revoke, but still drop the credential.
		return s.Cache.Del(ctx, credKey(ident.UserID))
	}
	if err := s.Cache.Set(ctx, revokedKey(ident.JTI), "1", remaining); err != nil {
		return fmt.Errorf("write revocation: %w", err)
	}
	return s.Cache.Del(ctx, credKey(ident.UserID))
}

// RevokeCurrent revokes whatever token was last issued to the user, if any.
// Used when the server invalidates a user without holding their token.
func (s *Service) RevokeCurrent(ctx context.Context, userID string) error {
	raw, err := s.Cache.Get(ctx, credKey(userID))
	if errors.Is(err, cache.ErrMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	var entry credEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("decode credential: %w", err)
	}
	return s.Revoke(ctx, &Identity{
		UserID:    userID,
		JTI:       entry.JTI,
		ExpiresAt: time.Unix(entry.ExpiresAt, 0),
	})
}
