package chainrpc

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	OpBlockNumber        = "eth_blockNumber"
	OpChainID            = "eth_chainId"
	OpBalanceAt          = "eth_getBalance"
	OpTokenBalance       = "erc20_balanceOf"
	OpCodeAt             = "eth_getCode"
	OpFilterLogs         = "eth_getLogs"
	OpTransactionByHash  = "eth_getTransactionByHash"
	OpTransactionReceipt = "eth_getTransactionReceipt"
	OpCall               = "eth_call"
	OpEstimateGas        = "eth_estimateGas"
	OpGasPrice           = "eth_gasPrice"
	OpMaxPriorityFee     = "eth_maxPriorityFeePerGas"
	OpHeaderByNumber     = "eth_getBlockByNumber"
	OpPendingNonce       = "eth_getTransactionCount"
	OpSendTransaction    = "eth_sendRawTransaction"
)

var ErrInvalidBalanceResponse = errors.New("invalid balanceOf response")

// balanceOf(address)
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// TxLookup is the result of a transaction lookup by hash.
type TxLookup struct {
	Tx      *types.Transaction
	Pending bool
}

func call[T any](ctx context.Context, c *Client, op string, args []interface{}, fn func(ctx context.Context, b Backend) (T, error), opts ...CallOption) (T, error) {
	v, err := c.Call(ctx, op, args, func(ctx context.Context, b Backend) (interface{}, error) {
		return fn(ctx, b)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	res, _ := v.(T)
	return res, nil
}

func blockArg(blockNumber *big.Int) string {
	if blockNumber == nil {
		return "latest"
	}
	return blockNumber.String()
}

func (c *Client) BlockNumber(ctx context.Context, opts ...CallOption) (uint64, error) {
	return call(ctx, c, OpBlockNumber, nil, func(ctx context.Context, b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	}, opts...)
}

func (c *Client) ChainID(ctx context.Context, opts ...CallOption) (*big.Int, error) {
	return call(ctx, c, OpChainID, nil, func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.ChainID(ctx)
	}, opts...)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int, opts ...CallOption) (*big.Int, error) {
	return call(ctx, c, OpBalanceAt, []interface{}{account, blockArg(blockNumber)}, func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.BalanceAt(ctx, account, blockNumber)
	}, opts...)
}

// TokenBalance reads an ERC20 balance with an eth_call to balanceOf.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address, opts ...CallOption) (*big.Int, error) {
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)
	msg := ethereum.CallMsg{To: &token, Data: data}
	return call(ctx, c, OpTokenBalance, []interface{}{token, holder}, func(ctx context.Context, b Backend) (*big.Int, error) {
		out, err := b.CallContract(ctx, msg, nil)
		if err != nil {
			return nil, err
		}
		if len(out) < 32 {
			return nil, ErrInvalidBalanceResponse
		}
		return new(big.Int).SetBytes(out[:32]), nil
	}, opts...)
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int, opts ...CallOption) ([]byte, error) {
	return call(ctx, c, OpCodeAt, []interface{}{account, blockArg(blockNumber)}, func(ctx context.Context, b Backend) ([]byte, error) {
		return b.CodeAt(ctx, account, blockNumber)
	}, opts...)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery, opts ...CallOption) ([]types.Log, error) {
	return call(ctx, c, OpFilterLogs, []interface{}{q}, func(ctx context.Context, b Backend) ([]types.Log, error) {
		return b.FilterLogs(ctx, q)
	}, opts...)
}

// TransactionByHash caches only mined transactions.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash, opts ...CallOption) (*TxLookup, error) {
	opts = append([]CallOption{CacheIf(func(v interface{}) bool {
		lookup, ok := v.(*TxLookup)
		return ok && lookup != nil && !lookup.Pending
	})}, opts...)
	return call(ctx, c, OpTransactionByHash, []interface{}{hash}, func(ctx context.Context, b Backend) (*TxLookup, error) {
		tx, pending, err := b.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		return &TxLookup{Tx: tx, Pending: pending}, nil
	}, opts...)
}

// TransactionReceipt returns ethereum.NotFound while the transaction is pending, such answers are never cached.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash, opts ...CallOption) (*types.Receipt, error) {
	opts = append([]CallOption{CacheIf(func(v interface{}) bool {
		receipt, ok := v.(*types.Receipt)
		return ok && receipt != nil
	})}, opts...)
	return call(ctx, c, OpTransactionReceipt, []interface{}{hash}, func(ctx context.Context, b Backend) (*types.Receipt, error) {
		return b.TransactionReceipt(ctx, hash)
	}, opts...)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int, opts ...CallOption) ([]byte, error) {
	return call(ctx, c, OpCall, []interface{}{msg, blockArg(blockNumber)}, func(ctx context.Context, b Backend) ([]byte, error) {
		return b.CallContract(ctx, msg, blockNumber)
	}, opts...)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts ...CallOption) (uint64, error) {
	return call(ctx, c, OpEstimateGas, []interface{}{msg}, func(ctx context.Context, b Backend) (uint64, error) {
		return b.EstimateGas(ctx, msg)
	}, opts...)
}

func (c *Client) SuggestGasPrice(ctx context.Context, opts ...CallOption) (*big.Int, error) {
	return call(ctx, c, OpGasPrice, nil, func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasPrice(ctx)
	}, opts...)
}

func (c *Client) SuggestGasTipCap(ctx context.Context, opts ...CallOption) (*big.Int, error) {
	return call(ctx, c, OpMaxPriorityFee, nil, func(ctx context.Context, b Backend) (*big.Int, error) {
		return b.SuggestGasTipCap(ctx)
	}, opts...)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int, opts ...CallOption) (*types.Header, error) {
	return call(ctx, c, OpHeaderByNumber, []interface{}{blockArg(number)}, func(ctx context.Context, b Backend) (*types.Header, error) {
		return b.HeaderByNumber(ctx, number)
	}, opts...)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address, opts ...CallOption) (uint64, error) {
	return call(ctx, c, OpPendingNonce, []interface{}{account}, func(ctx context.Context, b Backend) (uint64, error) {
		return b.PendingNonceAt(ctx, account)
	}, opts...)
}

// SendTransaction broadcasts tx. A retry may reach a node that took an earlier attempt whose reply was lost,
// so a node already holding tx, or having mined it, counts as accepted.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := c.Call(ctx, OpSendTransaction, []interface{}{tx.Hash()}, func(ctx context.Context, b Backend) (interface{}, error) {
		return nil, b.SendTransaction(ctx, tx)
	}, NoCache())
	switch {
	case err == nil:
		return nil
	case IsAlreadyKnown(err):
		c.log.Debug("Transaction already known to the node", zap.String("tx", tx.Hash().Hex()))
		return nil
	case IsNonceTooLow(err):
		if _, lookupErr := c.TransactionByHash(ctx, tx.Hash(), NoCache()); lookupErr == nil {
			c.log.Debug("Transaction already mined", zap.String("tx", tx.Hash().Hex()))
			return nil
		}
	}
	return err
}
