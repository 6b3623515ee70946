/*
Package rediscache is an optional Redis read cache for agreement details.

PURPOSE:
  GetAgreementDetails is the hottest read (drivers polling their balance).
  The cache keeps the latest agreement snapshot per ID with a TTL.

ORDERING:
  Writers race: a slow request can try to cache an agreement older than the
  one already cached. Put runs a Lua script that compares Version and never
  replaces a newer snapshot, so the cache never moves backwards.

  Equal versions are overwritten: settlement bookkeeping changes an
  agreement without a ledger write.

SEE ALSO:
  - workandpay/store.go: AgreementCache contract
  - workandpay/service.go: Read-through and refresh on write
*/
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/workpay-engine/workandpay"
)

// DefaultTTL bounds how long a snapshot lives without being refreshed.
const DefaultTTL = 10 * time.Minute

const defaultPrefix = "workpay:agreement:"

var putIfNotOlder = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Cache implements workandpay.AgreementCache on Redis.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ workandpay.AgreementCache = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrefix namespaces keys, e.g. per environment or per test.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

func New(client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, ttl: DefaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a client for addr and verifies it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *Cache) key(id string) string {
	return c.prefix + id
}

// Get returns the cached agreement. A miss is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, id string) (*workandpay.Agreement, bool, error) {
	data, err := c.client.HGet(ctx, c.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", id, err)
	}

	var a workandpay.Agreement
	if err := json.Unmarshal(data, &a); err != nil {
		// Treat a corrupt entry as a miss; the next Put overwrites it.
		return nil, false, nil
	}
	return &a, true, nil
}

// Put stores a snapshot unless a newer version is already cached.
func (c *Cache) Put(ctx context.Context, a *workandpay.Agreement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agreement %s: %w", a.ID, err)
	}
	err = putIfNotOlder.Run(ctx, c.client, []string{c.key(a.ID)}, a.Version, data, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis put %s: %w", a.ID, err)
	}
	return nil
}

// Invalidate drops a cached agreement.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
