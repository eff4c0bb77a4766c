package nonce

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the replay guard with Redis so multiple bridge instances
// share one nonce set. Same contract as MemoryStore.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lighthouse:nonce:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// consumeScript flips a nonce from active to consumed exactly once, keeping
// the key (and its TTL) so replays stay detectable until expiry.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 'unknown' end
if v == 'consumed' then return 'consumed' end
redis.call('SET', KEYS[1], 'consumed', 'KEEPTTL')
return 'ok'
`)

func (s *RedisStore) StoreNonce(ctx context.Context, nonce, elicitationID string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, elicitationID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) ConsumeNonce(ctx context.Context, nonce string) error {
	res, err := consumeScript.Run(ctx, s.client, []string{s.prefix + nonce}).Text()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "consumed":
		return ErrConsumed
	default:
		return ErrUnknown
	}
}

func (s *RedisStore) Active(ctx context.Context, nonce string) bool {
	v, err := s.client.Get(ctx, s.prefix+nonce).Result()
	return err == nil && v != "consumed"
}
