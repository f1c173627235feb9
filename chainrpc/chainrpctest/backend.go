// Package chainrpctest provides an in-memory chain for tests.
package chainrpctest

import (
	"bytes"
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"go.uber.org/zap"
)

const DefaultGasEstimate = 100_000

var (
	balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}
	errorSelector     = []byte{0x08, 0xc3, 0x79, 0xa0}
)

// Chain is the chain table entry used by NewPool when none is given.
var Chain = chainrpc.ChainConfig{
	Name:           "testnet",
	ChainID:        1337,
	RPCURL:         "http://testnet.invalid",
	NativeCurrency: chainrpc.NativeCurrency{Symbol: "ETH", Decimals: 18},
}

// RevertError looks like the json-rpc error a node returns for a reverted call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(EncodeRevert(e.Reason)) }

// TxPoolError is the json-rpc error a node returns when it refuses a raw transaction.
type TxPoolError struct {
	Message string
}

func (e *TxPoolError) Error() string { return e.Message }

func (e *TxPoolError) ErrorCode() int { return -32000 }

// EncodeRevert returns the abi encoding of Error(string).
func EncodeRevert(reason string) []byte {
	out := make([]byte, 0, 4+32*3+len(reason))
	out = append(out, errorSelector...)
	out = append(out, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(reason))).Bytes(), 32)...)
	padded := make([]byte, (len(reason)+31)/32*32)
	copy(padded, reason)
	return append(out, padded...)
}

type minedTx struct {
	tx      *types.Transaction
	block   uint64
	receipt *types.Receipt
}

// Backend implements chainrpc.Backend. The head advances by one block on every BlockNumber call.
type Backend struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Head         uint64
	BaseFee      *big.Int
	TipCap       *big.Int
	GasPrice     *big.Int
	GasEstimate  uint64
	// AutoMine mines every sent transaction in the next block
	AutoMine bool

	balances      map[common.Address]*big.Int
	tokenBalances map[common.Address]map[common.Address]*big.Int
	code          map[common.Address][]byte
	nonces        map[common.Address]uint64
	revertOnMine  map[common.Address]bool
	revertOnCall  map[common.Address]string
	estimateErr   map[common.Address]error

	pending map[common.Hash]*types.Transaction
	mined   map[common.Hash]*minedTx
	sent    []*types.Transaction

	calls map[string]int
	// Fail is consulted before every call, a non nil error is returned as is
	Fail func(method string) error
	// AfterSend is consulted once a transaction was accepted, a non nil error stands in for a lost reply
	AfterSend func(tx *types.Transaction) error
}

func NewBackend() *Backend {
	return &Backend{
		ChainIDValue:  new(big.Int).SetUint64(Chain.ChainID),
		Head:          100,
		BaseFee:       big.NewInt(10_000_000_000),
		TipCap:        big.NewInt(1_000_000_000),
		GasPrice:      big.NewInt(20_000_000_000),
		GasEstimate:   DefaultGasEstimate,
		AutoMine:      true,
		balances:      make(map[common.Address]*big.Int),
		tokenBalances: make(map[common.Address]map[common.Address]*big.Int),
		code:          make(map[common.Address][]byte),
		nonces:        make(map[common.Address]uint64),
		revertOnMine:  make(map[common.Address]bool),
		revertOnCall:  make(map[common.Address]string),
		estimateErr:   make(map[common.Address]error),
		pending:       make(map[common.Hash]*types.Transaction),
		mined:         make(map[common.Hash]*minedTx),
		calls:         make(map[string]int),
	}
}

// NewPool returns a pool whose every endpoint is served by b.
func NewPool(log *zap.Logger, b *Backend, cfg chainrpc.Config, chains ...chainrpc.ChainConfig) *chainrpc.Pool {
	if len(chains) == 0 {
		chains = []chainrpc.ChainConfig{Chain}
	}
	pool, err := chainrpc.NewPool(log, chains, cfg, func(ctx context.Context, url string) (chainrpc.Backend, error) {
		return b, nil
	})
	if err != nil {
		panic(err)
	}
	return pool
}

// FastConfig is a client config without delays, suited for tests.
func FastConfig() chainrpc.Config {
	cfg := chainrpc.DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.BaseDelay = 0
	return cfg
}

func (b *Backend) SetBalance(addr common.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(v)
}

func (b *Backend) SetTokenBalance(token, holder common.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokenBalances[token] == nil {
		b.tokenBalances[token] = make(map[common.Address]*big.Int)
	}
	b.tokenBalances[token][holder] = new(big.Int).Set(v)
}

func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[addr] = code
}

func (b *Backend) SetNonce(addr common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[addr] = nonce
}

// RevertOnMine makes every transaction sent to addr mine with a failed receipt.
func (b *Backend) RevertOnMine(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revertOnMine[addr] = true
}

// RevertOnCall makes eth_call and eth_estimateGas against addr revert with reason.
func (b *Backend) RevertOnCall(addr common.Address, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revertOnCall[addr] = reason
}

func (b *Backend) FailEstimate(addr common.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimateErr[addr] = err
}

// Sent returns every transaction accepted by SendTransaction in order.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Mine includes a pending transaction in the next block.
func (b *Backend) Mine(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.pending[hash]
	if !ok {
		return
	}
	b.mineLocked(tx)
}

func (b *Backend) mineLocked(tx *types.Transaction) {
	delete(b.pending, tx.Hash())
	b.Head++
	status := types.ReceiptStatusSuccessful
	if tx.To() != nil && b.revertOnMine[*tx.To()] {
		status = types.ReceiptStatusFailed
	}
	gasUsed := b.GasEstimate
	if tx.Gas() < gasUsed {
		gasUsed = tx.Gas()
	}
	b.mined[tx.Hash()] = &minedTx{
		tx:    tx,
		block: b.Head,
		receipt: &types.Receipt{
			Status:            status,
			TxHash:            tx.Hash(),
			GasUsed:           gasUsed,
			EffectiveGasPrice: tx.GasFeeCap(),
			BlockNumber:       new(big.Int).SetUint64(b.Head),
		},
	}
}

func (b *Backend) enter(method string) error {
	b.calls[method]++
	if b.Fail != nil {
		return b.Fail(method)
	}
	return nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("BlockNumber"); err != nil {
		return 0, err
	}
	b.Head++
	return b.Head, nil
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ChainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.ChainIDValue), nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("BalanceAt"); err != nil {
		return nil, err
	}
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CodeAt"); err != nil {
		return nil, err
	}
	return b.code[account], nil
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("FilterLogs"); err != nil {
		return nil, err
	}
	return []types.Log{}, nil
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("TransactionByHash"); err != nil {
		return nil, false, err
	}
	if tx, ok := b.pending[hash]; ok {
		return tx, true, nil
	}
	if m, ok := b.mined[hash]; ok {
		return m.tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (b *Backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("TransactionReceipt"); err != nil {
		return nil, err
	}
	if m, ok := b.mined[hash]; ok {
		return m.receipt, nil
	}
	return nil, ethereum.NotFound
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CallContract"); err != nil {
		return nil, err
	}
	if msg.To == nil {
		return nil, nil
	}
	if reason, ok := b.revertOnCall[*msg.To]; ok {
		return nil, &RevertError{Reason: reason}
	}
	if len(msg.Data) == 4+32 && bytes.Equal(msg.Data[:4], balanceOfSelector) {
		holder := common.BytesToAddress(msg.Data[4:])
		balance := new(big.Int)
		if v, ok := b.tokenBalances[*msg.To][holder]; ok {
			balance.Set(v)
		}
		return common.LeftPadBytes(balance.Bytes(), 32), nil
	}
	return []byte{}, nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("EstimateGas"); err != nil {
		return 0, err
	}
	if msg.To != nil {
		if err, ok := b.estimateErr[*msg.To]; ok {
			return 0, err
		}
		if reason, ok := b.revertOnCall[*msg.To]; ok {
			return 0, &RevertError{Reason: reason}
		}
	}
	return b.GasEstimate, nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("SuggestGasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.GasPrice), nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("SuggestGasTipCap"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.TipCap), nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("HeaderByNumber"); err != nil {
		return nil, err
	}
	header := &types.Header{Number: new(big.Int).SetUint64(b.Head), GasLimit: 30_000_000}
	if b.BaseFee != nil {
		header.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	return header, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("PendingNonceAt"); err != nil {
		return 0, err
	}
	return b.nonces[account], nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("SendTransaction"); err != nil {
		return err
	}
	if _, ok := b.pending[tx.Hash()]; ok {
		return &TxPoolError{Message: "already known"}
	}
	if _, ok := b.mined[tx.Hash()]; ok {
		return &TxPoolError{Message: "already known"}
	}
	signer := types.LatestSignerForChainID(b.ChainIDValue)
	from, senderErr := types.Sender(signer, tx)
	if senderErr == nil {
		for _, m := range b.mined {
			minedFrom, err := types.Sender(signer, m.tx)
			if err == nil && minedFrom == from && m.tx.Nonce() == tx.Nonce() {
				return &TxPoolError{Message: "nonce too low"}
			}
		}
	}

	b.sent = append(b.sent, tx)
	// a replacement drops whatever was pending with the same sender and nonce
	if senderErr == nil {
		for hash, other := range b.pending {
			otherFrom, err := types.Sender(signer, other)
			if err == nil && otherFrom == from && other.Nonce() == tx.Nonce() {
				delete(b.pending, hash)
			}
		}
		if tx.Nonce() >= b.nonces[from] {
			b.nonces[from] = tx.Nonce() + 1
		}
	}
	b.pending[tx.Hash()] = tx
	if b.AutoMine {
		b.mineLocked(tx)
	}
	if b.AfterSend != nil {
		return b.AfterSend(tx)
	}
	return nil
}

func (b *Backend) Close() {}
