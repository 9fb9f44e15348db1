package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds a claim whose holder died without releasing.
const DefaultClaimTTL = 2 * time.Minute

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis claims keys with SET NX PX and releases them only when the stored
// token still matches.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "promobot"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return fmt.Sprintf("%s:claim:%s", r.prefix, k) }

func (r *Redis) TryClaim(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	rk, token := r.key(key), newToken()
	ok, err := r.client.SetNX(ctx, rk, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{rk}, token).Err()
	}
	return release, true, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
