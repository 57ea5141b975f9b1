package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	methodTTL       = 30 * time.Second
	heartbeatPeriod = 10 * time.Second
)

// RedisClient is an alternate coordination backend built on SETEX-style
// TTL'd keys: ZooKeeper's ephemeral-node semantics (node disappears when
// the owning session ends) are emulated here by a background heartbeat
// goroutine per registration that periodically refreshes the key's TTL;
// if the process dies the key simply expires.
type RedisClient struct {
	client *redis.Client

	mu        sync.Mutex
	cancelAll []context.CancelFunc
}

// DialRedis connects to addr, verifying reachability with a bounded
// Ping before handing the client to callers.
func DialRedis(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordination: redis ping: %w", err)
	}

	return &RedisClient{client: client}, nil
}

func redisMethodKey(service, method string) string {
	return "fiberd:coord:" + service + ":" + method
}

func redisServiceKey(service string) string {
	return "fiberd:coord:" + service
}

// RegisterService records the service's existence with no expiry; the
// key is never removed by TTL (nor by this client), matching the
// persistent `/<service>` node's semantics.
func (c *RedisClient) RegisterService(service string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Set(ctx, redisServiceKey(service), "", 0).Err()
}

// RegisterMethod sets service/method -> addr with a TTL, then starts a
// heartbeat goroutine that refreshes the TTL until ctx is cancelled or
// Close is called.
func (c *RedisClient) RegisterMethod(ctx context.Context, service, method, addr string) error {
	if err := c.RegisterService(service); err != nil {
		return err
	}

	key := redisMethodKey(service, method)
	setCtx, cancelSet := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSet()
	if err := c.client.Set(setCtx, key, addr, methodTTL).Err(); err != nil {
		return fmt.Errorf("coordination: redis SET %s: %w", key, err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelAll = append(c.cancelAll, cancel)
	c.mu.Unlock()

	go c.heartbeat(hbCtx, key, addr)
	return nil
}

func (c *RedisClient) heartbeat(ctx context.Context, key, addr string) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.client.Set(refreshCtx, key, addr, methodTTL)
			cancel()
		}
	}
}

// Resolve looks up service/method's registered address, returning
// ErrMethodNotFound if the TTL'd key has expired or was never set.
func (c *RedisClient) Resolve(service, method string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, redisMethodKey(service, method)).Result()
	if err == redis.Nil {
		return "", ErrMethodNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coordination: redis GET: %w", err)
	}
	return val, nil
}

// Close stops every heartbeat goroutine this client started and closes
// the underlying connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	for _, cancel := range c.cancelAll {
		cancel()
	}
	c.cancelAll = nil
	c.mu.Unlock()
	return c.client.Close()
}
