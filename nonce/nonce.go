// Package nonce hands out per (chain, account) transaction nonces.
//
// An allocated nonce stays outstanding until it is either released, which makes it available again,
// or confirmed once a transaction using it has been mined. A value is never outstanding twice.
package nonce

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/metrics"
)

var ErrNotOutstanding = errors.New("nonce is not outstanding")

type Allocator interface {
	NextNonce(ctx context.Context, chain string, addr common.Address) (uint64, error)
	ReleaseNonce(ctx context.Context, chain string, addr common.Address, nonce uint64) error
	ConfirmNonce(ctx context.Context, chain string, addr common.Address, nonce uint64) error
}

// SourceFunc returns the pending nonce of an account as seen by the chain.
type SourceFunc func(ctx context.Context, chain string, addr common.Address) (uint64, error)

// PoolSource reads pending nonces through the resilient chain clients.
func PoolSource(pool *chainrpc.Pool) SourceFunc {
	return func(ctx context.Context, chain string, addr common.Address) (uint64, error) {
		client, err := pool.Client(chain)
		if err != nil {
			return 0, err
		}
		return client.PendingNonceAt(ctx, addr, chainrpc.NoCache())
	}
}

func accountKey(chain string, addr common.Address) string {
	return strings.ToLower(chain) + ":" + addr.Hex()
}

type uint64Heap []uint64

func (h uint64Heap) Len() int            { return len(h) }
func (h uint64Heap) Less(i, j int) bool  { return h[i] < h[j] }
func (h uint64Heap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *uint64Heap) Push(x interface{}) { *h = append(*h, x.(uint64)) } //nolint:forcetypeassert
func (h *uint64Heap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type account struct {
	next        uint64
	released    uint64Heap
	outstanding map[uint64]struct{}
}

// Local is an in-process Allocator. It is seeded lazily from the chain pending nonce.
type Local struct {
	mu       sync.Mutex
	source   SourceFunc
	accounts map[string]*account
}

func NewLocal(source SourceFunc) *Local {
	return &Local{
		source:   source,
		accounts: make(map[string]*account),
	}
}

func (l *Local) account(ctx context.Context, chain string, addr common.Address) (*account, error) {
	key := accountKey(chain, addr)
	if acc, ok := l.accounts[key]; ok {
		return acc, nil
	}
	start, err := l.source(ctx, chain, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending nonce: %w", err)
	}
	acc := &account{next: start, outstanding: make(map[uint64]struct{})}
	l.accounts[key] = acc
	return acc, nil
}

// NextNonce returns the lowest released nonce, or the next fresh one.
func (l *Local) NextNonce(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.account(ctx, chain, addr)
	if err != nil {
		return 0, err
	}
	var n uint64
	if acc.released.Len() > 0 {
		n = heap.Pop(&acc.released).(uint64) //nolint:forcetypeassert
	} else {
		n = acc.next
		acc.next++
	}
	acc.outstanding[n] = struct{}{}
	metrics.IncNonceOperation("next")
	return n, nil
}

func (l *Local) ReleaseNonce(ctx context.Context, chain string, addr common.Address, n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountKey(chain, addr)]
	if !ok {
		return ErrNotOutstanding
	}
	if _, ok := acc.outstanding[n]; !ok {
		return ErrNotOutstanding
	}
	delete(acc.outstanding, n)
	heap.Push(&acc.released, n)
	metrics.IncNonceOperation("release")
	return nil
}

// ConfirmNonce marks the nonce as used on chain, a released copy of it is dropped. Confirming a value that
// was never handed out by this allocator moves the counter past it.
func (l *Local) ConfirmNonce(ctx context.Context, chain string, addr common.Address, n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountKey(chain, addr)]
	if !ok {
		return nil
	}
	delete(acc.outstanding, n)
	for i, r := range acc.released {
		if r == n {
			heap.Remove(&acc.released, i)
			break
		}
	}
	if n >= acc.next {
		acc.next = n + 1
	}
	metrics.IncNonceOperation("confirm")
	return nil
}

// Outstanding returns the number of allocated, not yet released or confirmed nonces.
func (l *Local) Outstanding(chain string, addr common.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountKey(chain, addr)]
	if !ok {
		return 0
	}
	return len(acc.outstanding)
}
