package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList remembers logged-out token ids in Redis until the token
// would have expired anyway.
type RevocationList struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRevocationList builds a RevocationList. A nil client disables revocation.
func NewRevocationList(client *redis.Client, prefix string) *RevocationList {
	if prefix == "" {
		prefix = "auth:revoked"
	}
	return &RevocationList{client: client, prefix: prefix, now: time.Now}
}

func (l *RevocationList) key(jti string) string {
	return l.prefix + ":" + jti
}

// Revoke records jti until the supplied expiry.
func (l *RevocationList) Revoke(ctx context.Context, jti string, until time.Time) error {
	if l == nil || l.client == nil || jti == "" {
		return nil
	}
	ttl := until.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	if err := l.client.Set(ctx, l.key(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("auth: revoke %s: %w", jti, err)
	}
	return nil
}

// IsRevoked reports whether jti was revoked.
func (l *RevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if l == nil || l.client == nil {
		return false, nil
	}
	n, err := l.client.Exists(ctx, l.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("auth: check revocation: %w", err)
	}
	return n > 0, nil
}
