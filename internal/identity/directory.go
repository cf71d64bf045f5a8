package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory resolves accounts from the hash the account service writes
// for each user.
type RedisDirectory struct {
	client *redis.Client
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

func (d *RedisDirectory) Lookup(ctx context.Context, userID string) (Account, error) {
	fields, err := d.client.HGetAll(ctx, fmt.Sprintf("user:%s:account", userID)).Result()
	if err != nil {
		return Account{}, fmt.Errorf("account lookup for %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Account{}, ErrUnknownUser
	}
	return Account{
		ID:              userID,
		Name:            fields["name"],
		Locked:          fields["locked"] == "1",
		ContactVerified: fields["contact_verified"] == "1",
	}, nil
}

// StaticDirectory is an in-memory directory for tests and single-node
// development setups.
type StaticDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticDirectory(accounts ...Account) *StaticDirectory {
	d := &StaticDirectory{accounts: make(map[string]Account)}
	for _, a := range accounts {
		d.accounts[a.ID] = a
	}
	return d
}

func (d *StaticDirectory) Put(a Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.ID] = a
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[userID]
	if !ok {
		return Account{}, ErrUnknownUser
	}
	return a, nil
}
