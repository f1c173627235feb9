// Package chainrpc gives fault tolerant access to EVM nodes.
//
// Every call goes through a rate limiter, a per call timeout, a result cache and a per chain circuit breaker.
// Failing endpoints are retried with exponential backoff before the client rotates to the next fallback.
package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/tx-plan-executor/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend is the subset of ethclient.Client used by the client.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

type DialFunc func(ctx context.Context, url string) (Backend, error)

func DialEthClient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type CallFunc func(ctx context.Context, b Backend) (interface{}, error)

type callOptions struct {
	useCache bool
	cacheIf  func(v interface{}) bool
}

type CallOption func(*callOptions)

// NoCache bypasses the cache for both reading and writing.
func NoCache() CallOption {
	return func(o *callOptions) {
		o.useCache = false
	}
}

// CacheIf stores a result only when the predicate holds.
func CacheIf(pred func(v interface{}) bool) CallOption {
	return func(o *callOptions) {
		o.cacheIf = pred
	}
}

type endpoint struct {
	url string

	mu      sync.Mutex
	backend Backend
}

func (e *endpoint) get(ctx context.Context, dial DialFunc) (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		return e.backend, nil
	}
	backend, err := dial(ctx, e.url)
	if err != nil {
		return nil, err
	}
	e.backend = backend
	return backend, nil
}

func (e *endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		e.backend.Close()
		e.backend = nil
	}
}

// Client is the resilient client of a single chain.
type Client struct {
	log   *zap.Logger
	chain ChainConfig
	cfg   Config
	dial  DialFunc

	mu        sync.Mutex
	endpoints []*endpoint
	active    int

	limiter *rate.Limiter
	breaker *Breaker
	cache   *resultCache
}

func NewClient(log *zap.Logger, chain ChainConfig, cfg Config, dial DialFunc) *Client {
	if dial == nil {
		dial = DialEthClient
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.TTL == nil {
		cfg.TTL = DefaultTTL()
	}
	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.RequestsPerSecond
	}

	endpoints := make([]*endpoint, 0, 1+len(chain.Fallbacks))
	for _, url := range chain.URLs() {
		endpoints = append(endpoints, &endpoint{url: url})
	}

	return &Client{
		log:       log.Named("chainrpc").With(zap.String("chain", chain.Name)),
		chain:     chain,
		cfg:       cfg,
		dial:      dial,
		endpoints: endpoints,
		limiter:   rate.NewLimiter(limit, burst),
		breaker:   NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset, cfg.HalfOpenSuccesses),
		cache:     newResultCache(cfg.CacheSize),
	}
}

func (c *Client) Chain() ChainConfig {
	return c.chain
}

// ConfiguredChainID is the chain id from the chain table, no network call is made.
func (c *Client) ConfiguredChainID() *big.Int {
	return new(big.Int).SetUint64(c.chain.ChainID)
}

func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *Client) ActiveEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.active].url
}

func (c *Client) ClearCache() {
	c.cache.flush()
}

func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.close()
	}
}

func (c *Client) current() *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.active]
}

// rotate moves to the next endpoint and gives it a fresh breaker
func (c *Client) rotate(from *endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) < 2 {
		return false
	}
	if c.endpoints[c.active] == from {
		c.active = (c.active + 1) % len(c.endpoints)
		c.breaker.Reset()
		c.log.Warn("Rotated rpc endpoint", zap.String("endpoint", c.endpoints[c.active].url))
	}
	return true
}

// Call runs fn against the active endpoint, retrying and rotating according to the client config.
// op names the operation for caching and metrics, args are its arguments used in the cache key.
func (c *Client) Call(ctx context.Context, op string, args []interface{}, fn CallFunc, opts ...CallOption) (interface{}, error) {
	o := callOptions{useCache: true}
	for _, opt := range opts {
		opt(&o)
	}

	ttl := c.cfg.TTL[op]
	cacheable := o.useCache && ttl > 0
	var key string
	if cacheable {
		key = cacheKey(op, args)
		if v, ok := c.cache.get(key); ok {
			metrics.IncRPCCacheHit(c.chain.Name, op)
			return v, nil
		}
		metrics.IncRPCCacheMiss(c.chain.Name, op)
	}

	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(c.chain.Name, op, time.Since(startAt).Milliseconds())
	}()

	var (
		lastErr       error
		unavailable   = true
		endpointCount = len(c.endpoints)
	)
	for tried := 0; tried < endpointCount; tried++ {
		ep := c.current()
		res, attempts, err := c.tryEndpoint(ctx, ep, op, fn)
		if err == nil {
			if cacheable && (o.cacheIf == nil || o.cacheIf(res)) {
				c.cache.set(key, res, ttl)
			}
			return res, nil
		}
		if IsNodeError(err) || errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
			return nil, err
		}
		if attempts > 0 {
			unavailable = false
			lastErr = err
		}
		if !c.rotate(ep) {
			break
		}
	}

	if unavailable {
		return nil, fmt.Errorf("%w: chain %s", ErrServiceUnavailable, c.chain.Name)
	}
	return nil, &ExhaustedError{Chain: c.chain.Name, Operation: op, Err: lastErr}
}

func (c *Client) tryEndpoint(ctx context.Context, ep *endpoint, op string, fn CallFunc) (interface{}, int, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = c.cfg.BaseDelay << uint(c.cfg.MaxRetries)
	exp.MaxElapsedTime = 0
	back := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries-1)), ctx)

	var (
		res        interface{}
		attempts   int
		attemptErr error
		log        = c.log.With(zap.String("op", op), zap.String("endpoint", ep.url))
	)
	err := backoff.RetryNotify(func() error {
		if !c.breaker.Allow() {
			return backoff.Permanent(errBreakerOpen)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			c.breaker.Abandon()
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrRateLimited, err))
		}
		attempts++

		backend, err := ep.get(ctx, c.dial)
		if err == nil {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			res, err = fn(callCtx, backend)
			cancel()
		}
		if err == nil || IsNodeError(err) {
			if c.breaker.Success() {
				log.Info("Circuit breaker closed")
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		if ctx.Err() != nil {
			c.breaker.Abandon()
			return backoff.Permanent(ctx.Err())
		}

		attemptErr = err
		metrics.IncRPCFailure(c.chain.Name, op)
		if c.breaker.Failure() {
			metrics.IncRPCBreakerOpened(c.chain.Name)
			log.Warn("Circuit breaker opened", zap.Error(err))
		}
		return err
	}, back, func(err error, next time.Duration) {
		log.Debug("Retrying rpc call", zap.Error(err), zap.Duration("backoff", next))
	})
	if errors.Is(err, errBreakerOpen) && attempts > 0 {
		err = attemptErr
	}
	return res, attempts, err
}
