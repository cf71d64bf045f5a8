package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors presence transitions into Redis so other services can
// answer "is this user online" without talking to the gateway.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetOnline(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()

	pipe.SAdd(ctx, "online_users", userID)
	pipe.HSet(ctx, fmt.Sprintf("user:%s:status", userID), map[string]interface{}{
		"status":     string(StatusOnline),
		"last_seen":  time.Now().Unix(),
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, fmt.Sprintf("user:%s:status", userID), 5*time.Minute)

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()

	pipe.SRem(ctx, "online_users", userID)
	pipe.HSet(ctx, fmt.Sprintf("user:%s:status", userID), map[string]interface{}{
		"status":     string(StatusOffline),
		"last_seen":  time.Now().Unix(),
		"updated_at": time.Now().Unix(),
	})
	// Offline rows keep a longer TTL so "last seen" survives the session.
	pipe.Expire(ctx, fmt.Sprintf("user:%s:status", userID), 24*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

// IsOnline answers a point-in-time liveness query from the mirror.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.client.SIsMember(ctx, "online_users", userID).Result()
}
