package runlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces lock keys in a shared redis.
const DefaultPrefix = "recurpay:lock:"

// releaseScript deletes the key only while it still carries our token, so an
// expired lock taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, prefix: normalizePrefix(cfg.Prefix)}, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPrefix
	}
	if !strings.HasSuffix(p, ":") {
		p += ":"
	}
	return p
}

func (r *Redis) key(name string) string { return r.prefix + strings.TrimSpace(name) }

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (Release, bool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, errors.New("run lock key is empty")
	}
	if ttl <= 0 {
		// Redis locks always expire; a crashed holder must not block forever.
		ttl = 30 * time.Minute
	}
	key := r.key(name)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		})
		return err
	}, true, nil
}

func (r *Redis) Close() error { return r.client.Close() }

var _ Locker = (*Redis)(nil)
