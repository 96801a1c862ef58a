package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned when a refresh token is absent, expired, or
// already consumed.
var ErrTokenNotFound = errors.New("refresh token expired or invalid")

// RedisTokenRepo implements domain.TokenRepository using Redis.
type RedisTokenRepo struct {
	client *redis.Client
}

// NewRedisTokenRepo creates a new repository instance.
func NewRedisTokenRepo(client *redis.Client) *RedisTokenRepo {
	return &RedisTokenRepo{client: client}
}

// StoreRefreshToken saves a token in Redis with a specific Time-To-Live (TTL).
// The key pattern is "auth:refresh:<token>" -> value "userID".
func (r *RedisTokenRepo) StoreRefreshToken(ctx context.Context, userID string, token string, ttl time.Duration) error {
	key := fmt.Sprintf("auth:refresh:%s", token)

	// We store the userID as the value so we can identify who owns the token later.
	err := r.client.Set(ctx, key, userID, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store token in redis: %w", err)
	}

	return nil
}

// ConsumeRefreshToken retrieves and deletes the token in one GETDEL round
// trip. A rotated token seen a second time returns ErrTokenNotFound, which is
// what makes refresh rotation replay-safe under concurrent requests.
func (r *RedisTokenRepo) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	key := fmt.Sprintf("auth:refresh:%s", token)

	userID, err := r.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("redis error: %w", err)
	}

	return userID, nil
}

// DeleteRefreshToken removes a token immediately. Used for logout.
func (r *RedisTokenRepo) DeleteRefreshToken(ctx context.Context, token string) error {
	key := fmt.Sprintf("auth:refresh:%s", token)
	return r.client.Del(ctx, key).Err()
}
