// Package membership answers whether a user belongs to a room. Room rosters
// are owned by the pairing service; this package only reads them.
package membership

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Authorizer confirms room membership for a verified user.
type Authorizer interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	Members(ctx context.Context, roomID string) ([]string, error)
}

// RedisAuthorizer reads the member sets the pairing service maintains.
type RedisAuthorizer struct {
	client *redis.Client
}

func NewRedisAuthorizer(client *redis.Client) *RedisAuthorizer {
	return &RedisAuthorizer{client: client}
}

func membersKey(roomID string) string {
	return fmt.Sprintf("room:%s:members", roomID)
}

func (a *RedisAuthorizer) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := a.client.SIsMember(ctx, membersKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("membership check %s/%s: %w", roomID, userID, err)
	}
	return ok, nil
}

func (a *RedisAuthorizer) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := a.client.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("member list %s: %w", roomID, err)
	}
	return members, nil
}

// StaticAuthorizer is an in-memory roster for tests and single-node setups.
type StaticAuthorizer struct {
	mu    sync.RWMutex
	rooms map[string]map[string]bool
}

func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{rooms: make(map[string]map[string]bool)}
}

func (a *StaticAuthorizer) Add(roomID string, userIDs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rooms[roomID] == nil {
		a.rooms[roomID] = make(map[string]bool)
	}
	for _, id := range userIDs {
		a.rooms[roomID][id] = true
	}
}

func (a *StaticAuthorizer) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rooms[roomID][userID], nil
}

func (a *StaticAuthorizer) Members(_ context.Context, roomID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for id := range a.rooms[roomID] {
		out = append(out, id)
	}
	return out, nil
}
