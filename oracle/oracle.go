// Package oracle contains the JSON-RPC clients of the external quote, price and private relay services.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/slippage"
	"github.com/flashbots/tx-plan-executor/spike"
	"github.com/ybbus/jsonrpc/v3"
)

var (
	ErrInvalidQuote = errors.New("invalid quote response")
	ErrInvalidPrice = errors.New("invalid price response")
)

const DefaultPriceCacheTime = 30 * time.Second

type quoteArgs struct {
	Chain    string         `json:"chain"`
	TokenIn  string         `json:"tokenIn"`
	AddrIn   common.Address `json:"tokenInAddress"`
	TokenOut string         `json:"tokenOut"`
	AddrOut  common.Address `json:"tokenOutAddress"`
	AmountIn *hexutil.Big   `json:"amountIn"`
	Dex      string         `json:"dex,omitempty"`
}

type quoteResponse struct {
	ExpectedAmountOut  *hexutil.Big `json:"expectedAmountOut"`
	PriceImpactPercent float64      `json:"priceImpactPercent"`
	Timestamp          int64        `json:"timestamp"`
}

// JSONRPCQuoteSource asks an aggregator for quotes with quote_getSwapQuote.
type JSONRPCQuoteSource struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCQuoteSource(url string) *JSONRPCQuoteSource {
	return &JSONRPCQuoteSource{client: jsonrpc.NewClient(url)}
}

func (s *JSONRPCQuoteSource) GetSwapQuote(ctx context.Context, req slippage.QuoteRequest) (*slippage.Quote, error) {
	args := quoteArgs{
		Chain:    req.Chain,
		TokenIn:  req.TokenIn,
		AddrIn:   req.TokenInAddress,
		TokenOut: req.TokenOut,
		AddrOut:  req.TokenOutAddress,
		AmountIn: (*hexutil.Big)(req.AmountIn),
		Dex:      req.Dex,
	}
	var res quoteResponse
	if err := s.client.CallFor(ctx, &res, "quote_getSwapQuote", args); err != nil {
		return nil, err
	}
	if res.ExpectedAmountOut == nil || res.ExpectedAmountOut.ToInt().Sign() < 0 {
		return nil, ErrInvalidQuote
	}
	q := &slippage.Quote{
		ExpectedAmountOut:  res.ExpectedAmountOut.ToInt(),
		PriceImpactPercent: res.PriceImpactPercent,
	}
	if res.Timestamp > 0 {
		q.Timestamp = time.Unix(res.Timestamp, 0)
	}
	return q, nil
}

type priceResponse struct {
	PriceUSD float64 `json:"priceUsd"`
}

// ChainClients resolves chain clients for gas price reads, chainrpc.Pool implements it.
type ChainClients interface {
	Client(chain string) (*chainrpc.Client, error)
}

// PriceOracle serves token prices from a price_getTokenPrice endpoint and gas prices from the chain itself.
type PriceOracle struct {
	client jsonrpc.RPCClient
	chains ChainClients
	prices *spike.Manager[float64]
}

func NewPriceOracle(url string, chains ChainClients, cacheTime time.Duration) *PriceOracle {
	return &PriceOracle{
		client: jsonrpc.NewClient(url),
		chains: chains,
		prices: spike.NewManager[float64](cacheTime),
	}
}

func (o *PriceOracle) GetTokenPrice(ctx context.Context, symbol, chain string) (float64, error) {
	key := strings.ToUpper(symbol) + "|" + chain
	return o.prices.GetResult(ctx, key, func(ctx context.Context) (float64, error) {
		var res priceResponse
		if err := o.client.CallFor(ctx, &res, "price_getTokenPrice", symbol, chain); err != nil {
			return 0, err
		}
		if res.PriceUSD < 0 {
			return 0, fmt.Errorf("%w: %f", ErrInvalidPrice, res.PriceUSD)
		}
		return res.PriceUSD, nil
	})
}

func (o *PriceOracle) GetGasPrice(ctx context.Context, chain string) (*big.Int, error) {
	client, err := o.chains.Client(chain)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

type PrivateTxPreferences struct {
	Fast bool `json:"fast"`
}

type SendPrivateTxArgs struct {
	Tx             hexutil.Bytes         `json:"tx"`
	MaxBlockNumber hexutil.Uint64        `json:"maxBlockNumber,omitempty"`
	Preferences    *PrivateTxPreferences `json:"preferences,omitempty"`
}

// PrivateRelay submits signed transactions with eth_sendPrivateTransaction so they skip the public mempool.
type PrivateRelay struct {
	client jsonrpc.RPCClient
	// MaxBlocks bounds how many blocks the relay keeps trying, 0 leaves it to the relay
	MaxBlocks uint64
}

func NewPrivateRelay(url string, maxBlocks uint64) *PrivateRelay {
	return &PrivateRelay{client: jsonrpc.NewClient(url), MaxBlocks: maxBlocks}
}

func (r *PrivateRelay) SendPrivateTransaction(ctx context.Context, rawTx []byte, currentBlock uint64) (common.Hash, error) {
	args := SendPrivateTxArgs{
		Tx:          rawTx,
		Preferences: &PrivateTxPreferences{Fast: true},
	}
	if r.MaxBlocks > 0 {
		args.MaxBlockNumber = hexutil.Uint64(currentBlock + r.MaxBlocks)
	}
	var hash common.Hash
	if err := r.client.CallFor(ctx, &hash, "eth_sendPrivateTransaction", []SendPrivateTxArgs{args}); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}
