// Package session guards a wallet account against overlapping escrow submissions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another submission already holds the account.
var ErrHeld = errors.New("session already held")

// Guard hands out exclusive per-account leases.
type Guard interface {
	// Acquire returns a release func, or ErrHeld.
	Acquire(ctx context.Context, account string, ttl time.Duration) (release func(context.Context) error, err error)
}

// LocalGuard holds leases in process memory.
type LocalGuard struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{leases: make(map[string]time.Time), now: time.Now}
}

func (g *LocalGuard) Acquire(_ context.Context, account string, ttl time.Duration) (func(context.Context) error, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.leases[account]; ok && now.Before(exp) {
		return nil, ErrHeld
	}
	exp := now.Add(ttl)
	g.leases[account] = exp

	return func(context.Context) error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if cur, ok := g.leases[account]; ok && cur.Equal(exp) {
			delete(g.leases, account)
		}
		return nil
	}, nil
}

const keyPrefix = "escrow:session:"

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares leases between processes through SET NX.
type RedisGuard struct {
	client redis.Cmdable
}

func NewRedisGuard(client redis.Cmdable) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Acquire(ctx context.Context, account string, ttl time.Duration) (func(context.Context) error, error) {
	key := keyPrefix + account
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, g.client, []string{key}, token).Err()
	}, nil
}
