// Package spike provides a primitive to handle spike-like load on retrieving external resources
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = time.Minute
	defaultFetchTimeout    = 30 * time.Second
)

type FetchFunc[T any] func(ctx context.Context) (T, error)

type pendingFetch[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// Manager de-duplicates concurrent fetches of the same key and caches successful results.
// Errors are not cached, the next caller fetches again.
type Manager[T any] struct {
	mu       sync.Mutex
	cache    *gocache.Cache
	ttl      time.Duration
	timeout  time.Duration
	inflight map[string]*pendingFetch[T]
}

func NewManager[T any](cacheTime time.Duration) *Manager[T] {
	return &Manager[T]{
		cache:    gocache.New(cacheTime, defaultCleanupInterval),
		ttl:      cacheTime,
		timeout:  defaultFetchTimeout,
		inflight: make(map[string]*pendingFetch[T]),
	}
}

// WithFetchTimeout bounds every fetch, fetches are detached from the context of the caller that started them.
func (m *Manager[T]) WithFetchTimeout(d time.Duration) *Manager[T] {
	m.timeout = d
	return m
}

// GetResult returns the cached value of k or waits for a single fetch shared by all concurrent callers.
// Only the fetch of the caller that started it is used.
func (m *Manager[T]) GetResult(ctx context.Context, k string, fetch FetchFunc[T]) (T, error) { //nolint:ireturn
	if v, ok := m.get(k); ok {
		return v, nil
	}

	m.mu.Lock()
	// a fetch may have finished between the lookup and the lock
	if v, ok := m.get(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	p, ok := m.inflight[k]
	if !ok {
		p = &pendingFetch[T]{done: make(chan struct{})}
		m.inflight[k] = p
		go m.run(k, p, fetch)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-p.done:
		return p.v, p.err
	}
}

func (m *Manager[T]) run(k string, p *pendingFetch[T], fetch FetchFunc[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	p.v, p.err = fetch(ctx)

	m.mu.Lock()
	if p.err == nil {
		m.cache.Set(k, p.v, m.ttl)
	}
	delete(m.inflight, k)
	m.mu.Unlock()
	close(p.done)
}

func (m *Manager[T]) get(k string) (T, bool) {
	v, ok := m.cache.Get(k)
	if !ok {
		var zero T
		return zero, false
	}
	//nolint:forcetypeassert
	return v.(T), true
}

// Forget drops a cached value.
func (m *Manager[T]) Forget(k string) {
	m.cache.Delete(k)
}
