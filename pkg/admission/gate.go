// Package admission limits each requester to one build in flight.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("a build is already running for this requester")

// Gate admits at most one build per requester at a time.
type Gate interface {
	// Acquire returns a release function when the requester has no build
	// running, ErrBusy otherwise.
	Acquire(ctx context.Context, requester string) (func(), error)
}

// MemoryGate is a Gate for a single process.
type MemoryGate struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{active: make(map[string]struct{})}
}

func (g *MemoryGate) Acquire(_ context.Context, requester string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[requester]; busy {
		return nil, ErrBusy
	}
	g.active[requester] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, requester)
			g.mu.Unlock()
		})
	}, nil
}

// only delete the key if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGate shares admission state between several service instances. The
// TTL bounds how long a crashed instance can block a requester.
type RedisGate struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedisGate(redisURL string, ttl time.Duration, logger *slog.Logger) (*RedisGate, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisGateClient(client, ttl, logger), nil
}

func NewRedisGateClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisGate {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisGate{client: client, ttl: ttl, prefix: "wbld:active:", logger: logger}
}

func (g *RedisGate) Acquire(ctx context.Context, requester string) (func(), error) {
	key := g.prefix + requester
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil {
				g.logger.Warn("release admission slot", "requester", requester, "error", err)
			}
		})
	}, nil
}

func (g *RedisGate) Close() error {
	return g.client.Close()
}
