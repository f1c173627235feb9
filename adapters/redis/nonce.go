// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/metrics"
	"github.com/flashbots/tx-plan-executor/nonce"
	"github.com/redis/go-redis/v9"
)

// KEYS: counter, released, outstanding. ARGV: start, expire seconds
var nextNonceScript = redis.NewScript(`
redis.call('SETNX', KEYS[1], ARGV[1])
local n
local released = redis.call('ZPOPMIN', KEYS[2])
if released[1] then
	n = released[1]
else
	n = tostring(redis.call('INCR', KEYS[1]) - 1)
end
redis.call('SADD', KEYS[3], n)
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
	redis.call('EXPIRE', KEYS[3], ttl)
end
return n
`)

// KEYS: released, outstanding. ARGV: nonce
var releaseNonceScript = redis.NewScript(`
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1])
return 1
`)

// KEYS: counter, released, outstanding. ARGV: nonce
var confirmNonceScript = redis.NewScript(`
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local current = redis.call('GET', KEYS[1])
if current and tonumber(ARGV[1]) >= tonumber(current) then
	redis.call('SET', KEYS[1], tostring(tonumber(ARGV[1]) + 1), 'KEEPTTL')
end
return 1
`)

// NonceAllocator shares nonce allocation between several executor processes.
// The counter is seeded from the chain pending nonce the first time an account is seen.
type NonceAllocator struct {
	client         *redis.Client
	source         nonce.SourceFunc
	expireDuration time.Duration
	keyPrefix      string
}

func NewNonceAllocator(client *redis.Client, source nonce.SourceFunc, expireDuration time.Duration, keyPrefix string) *NonceAllocator {
	return &NonceAllocator{
		client:         client,
		source:         source,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (a *NonceAllocator) keys(chain string, addr common.Address) []string {
	base := a.keyPrefix + strings.ToLower(chain) + ":" + addr.Hex()
	return []string{base + ":next", base + ":released", base + ":outstanding"}
}

func (a *NonceAllocator) NextNonce(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	keys := a.keys(chain, addr)

	var start uint64
	exists, err := a.client.Exists(ctx, keys[0]).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		start, err = a.source(ctx, chain, addr)
		if err != nil {
			return 0, err
		}
	}

	res, err := nextNonceScript.Run(ctx, a.client, keys, start, int64(a.expireDuration.Seconds())).Text()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, err
	}
	metrics.IncNonceOperation("next")
	return n, nil
}

func (a *NonceAllocator) ReleaseNonce(ctx context.Context, chain string, addr common.Address, n uint64) error {
	keys := a.keys(chain, addr)
	released, err := releaseNonceScript.Run(ctx, a.client, keys[1:], n).Int()
	if err != nil {
		return err
	}
	if released == 0 {
		return nonce.ErrNotOutstanding
	}
	metrics.IncNonceOperation("release")
	return nil
}

func (a *NonceAllocator) ConfirmNonce(ctx context.Context, chain string, addr common.Address, n uint64) error {
	err := confirmNonceScript.Run(ctx, a.client, a.keys(chain, addr), n).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	metrics.IncNonceOperation("confirm")
	return nil
}

// Outstanding returns how many nonces are currently handed out for the account.
func (a *NonceAllocator) Outstanding(ctx context.Context, chain string, addr common.Address) (int64, error) {
	return a.client.SCard(ctx, a.keys(chain, addr)[2]).Result()
}

// Reset deletes the allocation state of an account so that it is seeded again from the chain.
func (a *NonceAllocator) Reset(ctx context.Context, chain string, addr common.Address) error {
	return a.client.Del(ctx, a.keys(chain, addr)...).Err()
}
