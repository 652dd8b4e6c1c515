// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements the LeaseStore and NonceStore
// interfaces. When Redis is not configured the app keeps these concerns on the
// primary store instead.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/proofmeet/backend/internal/store"
)

// GoRedisAdapter wraps go-redis v9 for the lease and nonce stores.
type GoRedisAdapter struct {
	rdb *redis.Client
}

var (
	_ store.LeaseStore = (*GoRedisAdapter)(nil)
	_ store.NonceStore = (*GoRedisAdapter)(nil)
)

// NewGoRedisAdapter connects to Redis and verifies connectivity. The caller
// decides whether a connection failure is fatal or triggers a fallback.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	log.Printf("[REDIS] Connected to %s (db %d)", addr, db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// store.LeaseStore implementation
// =============================================================================

func leaseKey(name string) string { return "lease:" + name }

// AcquireLease takes the lease with SET NX EX; a holder that already owns the
// lease refreshes its TTL instead.
func (a *GoRedisAdapter) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	key := leaseKey(name)
	ok, err := a.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Expired between SetNX and Get; next tick retries.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lease get: %w", err)
	}
	if current != holder {
		return false, nil
	}
	if err := a.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("lease refresh: %w", err)
	}
	return true, nil
}

// ReleaseLease drops the lease only if held by holder.
func (a *GoRedisAdapter) ReleaseLease(ctx context.Context, name, holder string) error {
	// Check-and-delete in one round trip.
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`
	return a.rdb.Eval(ctx, script, []string{leaseKey(name)}, holder).Err()
}

// =============================================================================
// store.NonceStore implementation
// =============================================================================

func nonceKey(nonce string) string { return "nonce:" + nonce }

type nonceValue struct {
	CardID string `json:"card_id"`
	Email  string `json:"email"`
}

func (a *GoRedisAdapter) PutNonce(ctx context.Context, nonce, cardID, email string, ttl time.Duration) error {
	raw, err := json.Marshal(nonceValue{CardID: cardID, Email: email})
	if err != nil {
		return err
	}
	return a.rdb.Set(ctx, nonceKey(nonce), raw, ttl).Err()
}

// ConsumeNonce atomically reads and deletes the nonce; a second consume of
// the same nonce fails.
func (a *GoRedisAdapter) ConsumeNonce(ctx context.Context, nonce string) (string, string, error) {
	raw, err := a.rdb.GetDel(ctx, nonceKey(nonce)).Result()
	if err == redis.Nil {
		return "", "", fmt.Errorf("nonce: %w", store.ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("nonce getdel: %w", err)
	}
	var v nonceValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", "", err
	}
	return v.CardID, v.Email, nil
}
