package backend

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "buildnet:lease:"

// renewScript extends a lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a go-redis backed Backend for multi-process deployments.
// Leases are SETNX keys with a per-holder token checked by Lua on renew
// and release; pub/sub is native Redis pub/sub.
type Redis struct {
	client *redis.Client

	// token -> lease resource, tracked locally so Renew/Release can find
	// the key for an opaque token
	leases leaseTokenMap
}

// NewRedis creates a backend talking to the given address (host:port).
func NewRedis(addr string) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

// NewRedisWithClient wraps an existing client (used by tests with
// miniredis).
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, leases: newLeaseTokenMap()}
}

func wrapRedis(err error, op string) error {
	return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "redis %s", op)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRedis(err, "get")
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapRedis(err, "set")
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return wrapRedis(err, "del")
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedis(err, "scan")
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapRedis(err, "setnx")
	}
	return ok, nil
}

func (r *Redis) AcquireLease(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, leaseKeyPrefix+resource, token, ttl).Result()
	if err != nil {
		return "", false, wrapRedis(err, "lease acquire")
	}
	if !ok {
		return "", false, nil
	}
	r.leases.put(token, resource)
	return token, true, nil
}

func (r *Redis) RenewLease(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	resource, ok := r.leases.get(token)
	if !ok {
		return false, nil
	}
	res, err := renewScript.Run(ctx, r.client,
		[]string{leaseKeyPrefix + resource}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrapRedis(err, "lease renew")
	}
	return res == 1, nil
}

func (r *Redis) ReleaseLease(ctx context.Context, token string) error {
	resource, ok := r.leases.get(token)
	if !ok {
		return nil
	}
	r.leases.remove(token)
	if err := releaseScript.Run(ctx, r.client,
		[]string{leaseKeyPrefix + resource}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return wrapRedis(err, "lease release")
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return wrapRedis(err, "publish")
	}
	return nil
}

func (r *Redis) Subscribe(channel string, fn func([]byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, channel)

	// Force the subscription before returning so a publish immediately
	// after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return nil, wrapRedis(err, "subscribe")
	}

	go func() {
		for msg := range sub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	return func() {
		_ = sub.Close()
		cancel()
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
