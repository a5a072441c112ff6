// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ExecutionMarker marks identities that one of the executor processes started to execute.
// Marks expire so a crashed process doesn't block an identity forever.
type ExecutionMarker struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
	// owner is stored as the value of every mark
	owner string
}

func NewExecutionMarker(client *redis.Client, expireDuration time.Duration, keyPrefix, owner string) *ExecutionMarker {
	return &ExecutionMarker{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
		owner:          owner,
	}
}

func (m *ExecutionMarker) key(identity common.Hash) string {
	return m.keyPrefix + identity.Hex()
}

// MarkExecuting returns true if the identity was not marked before and is now marked by this process
func (m *ExecutionMarker) MarkExecuting(ctx context.Context, identity common.Hash) (bool, error) {
	return m.client.SetNX(ctx, m.key(identity), m.owner, m.expireDuration).Result()
}

// Owner returns the owner of the mark or an empty string if the identity is not marked
func (m *ExecutionMarker) Owner(ctx context.Context, identity common.Hash) (string, error) {
	owner, err := m.client.Get(ctx, m.key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// DeleteAll deletes all the marks. It can be very slow and should only be used for testing.
func (m *ExecutionMarker) DeleteAll(ctx context.Context) error {
	keys, err := m.client.Keys(ctx, m.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return m.client.Del(ctx, keys...).Err()
}
