package scopeauth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claims carries the authenticated subject plus the set of repository
// scopes the token was issued with, mirroring the distribution token spec's
// "access" claim in spirit (grouped per spec §4.5 token exchange).
type Claims struct {
	UserID  uuid.UUID `json:"uid"`
	IsAdmin bool      `json:"adm"`
	Access  []string  `json:"access"` // "repository:<name>:<action>"
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies bearer JWTs and tracks live sessions in
// Redis so Revoke can invalidate a token before it expires.
// Grounded on ckmine11-registry-x's pkg/auth/user_service.go LoginUser/
// Logout (HS512 signing, session stored by jti).
type TokenIssuer struct {
	secret []byte
	rdb    *redis.Client
	ttl    time.Duration
}

func NewTokenIssuer(secret string, rdb *redis.Client, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), rdb: rdb, ttl: ttl}
}

// Issue mints a signed token for user with the given access scopes and
// records its jti in Redis as a live session.
func (t *TokenIssuer) Issue(ctx context.Context, user *User, access []string) (string, error) {
	jti := uuid.NewString()
	now := time.Now()
	claims := Claims{
		UserID:  user.ID,
		IsAdmin: user.IsAdmin,
		Access:  access,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	if t.rdb != nil {
		key := sessionKey(user.ID, jti)
		if err := t.rdb.HSet(ctx, key, "user_id", user.ID.String(), "issued_at", now.Unix()).Err(); err != nil {
			return "", fmt.Errorf("failed to record session: %w", err)
		}
		t.rdb.Expire(ctx, key, t.ttl)
	}

	return signed, nil
}

// Verify parses and validates a bearer token, confirming its session is
// still live in Redis (not logged out / revoked).
func (t *TokenIssuer) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if t.rdb != nil {
		key := sessionKey(claims.UserID, claims.ID)
		exists, err := t.rdb.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("session revoked")
		}
	}

	return claims, nil
}

// Revoke deletes the session backing jti, so any still-unexpired token
// bearing it fails Verify immediately.
func (t *TokenIssuer) Revoke(ctx context.Context, userID uuid.UUID, jti string) error {
	if t.rdb == nil {
		return nil
	}
	return t.rdb.Del(ctx, sessionKey(userID, jti)).Err()
}

func sessionKey(userID uuid.UUID, jti string) string {
	return fmt.Sprintf("session:%s:%s", userID, jti)
}
