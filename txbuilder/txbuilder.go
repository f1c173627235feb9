// Package txbuilder turns step params into call data using the standard token, router and vault ABIs.
package txbuilder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/plan"
)

var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrNoTransaction  = errors.New("step produces no transaction")
	ErrMissingAddress = errors.New("required address is not set")
	ErrInvalidAmount  = errors.New("amount must be positive")
)

const DefaultSwapDeadline = 20 * time.Minute

const (
	erc20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`
	wethABI = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}
]`
	routerABI = `[
	{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`
	vaultABI = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]}
]`
)

var (
	ERC20  = mustParseABI(erc20ABI)
	WETH   = mustParseABI(wethABI)
	Router = mustParseABI(routerABI)
	Vault  = mustParseABI(vaultABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

type chainInfo struct {
	id            *big.Int
	wrappedNative common.Address
}

// Standard builds transactions for ERC20 tokens, WETH style wrappers, UniswapV2 style routers and ERC4626 vaults.
type Standard struct {
	chains   map[string]chainInfo
	deadline time.Duration
	now      func() time.Time
}

func NewStandard(chains []chainrpc.ChainConfig) *Standard {
	byName := make(map[string]chainInfo, len(chains))
	for _, c := range chains {
		info := chainInfo{id: new(big.Int).SetUint64(c.ChainID)}
		if common.IsHexAddress(c.WrappedNative) {
			info.wrappedNative = common.HexToAddress(c.WrappedNative)
		}
		byName[c.Name] = info
	}
	return &Standard{
		chains:   byName,
		deadline: DefaultSwapDeadline,
		now:      time.Now,
	}
}

func (b *Standard) BuildTx(chain string, step *plan.Step, from common.Address) (*plan.TxRequest, error) {
	info, ok := b.chains[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}

	var (
		req *plan.TxRequest
		err error
	)
	switch p := step.Params.(type) {
	case plan.ApproveParams:
		req, err = buildApprove(p)
	case plan.TransferParams:
		req, err = buildTransfer(p)
	case plan.WrapParams:
		req, err = buildWrap(p, info)
	case plan.UnwrapParams:
		req, err = buildUnwrap(p, info)
	case plan.SwapParams:
		req, err = b.buildSwap(p, info, from)
	case plan.DepositParams:
		req, err = buildDeposit(p, from)
	case plan.WithdrawParams:
		req, err = buildWithdraw(p, from)
	case plan.BridgeParams:
		req, err = buildBridge(p)
	case plan.WaitParams:
		return nil, ErrNoTransaction
	default:
		return nil, fmt.Errorf("%w: %q", plan.ErrUnknownKind, step.Kind())
	}
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	if req.Value == nil {
		req.Value = new(big.Int)
	}
	req.ChainID = new(big.Int).Set(info.id)
	return req, nil
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func required(addr common.Address, name string) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrMissingAddress, name)
	}
	return nil
}

// a nil approve amount grants an unlimited allowance
func buildApprove(p plan.ApproveParams) (*plan.TxRequest, error) {
	if err := required(p.TokenAddress, "token"); err != nil {
		return nil, err
	}
	if err := required(p.Spender, "spender"); err != nil {
		return nil, err
	}
	amount := p.Amount
	if amount == nil {
		amount = math.MaxBig256
	}
	data, err := ERC20.Pack("approve", p.Spender, amount)
	if err != nil {
		return nil, err
	}
	return &plan.TxRequest{To: p.TokenAddress, Data: data}, nil
}

func buildTransfer(p plan.TransferParams) (*plan.TxRequest, error) {
	if err := required(p.To, "recipient"); err != nil {
		return nil, err
	}
	if err := positive(p.Amount); err != nil {
		return nil, err
	}
	if plan.IsNative(p.TokenAddress) {
		return &plan.TxRequest{To: p.To, Value: new(big.Int).Set(p.Amount)}, nil
	}
	data, err := ERC20.Pack("transfer", p.To, p.Amount)
	if err != nil {
		return nil, err
	}
	return &plan.TxRequest{To: p.TokenAddress, Data: data}, nil
}

func wrapper(addr common.Address, info chainInfo) (common.Address, error) {
	if addr != (common.Address{}) {
		return addr, nil
	}
	if info.wrappedNative == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: wrapped native token", ErrMissingAddress)
	}
	return info.wrappedNative, nil
}

func buildWrap(p plan.WrapParams, info chainInfo) (*plan.TxRequest, error) {
	if err := positive(p.Amount); err != nil {
		return nil, err
	}
	to, err := wrapper(p.WrappedToken, info)
	if err != nil {
		return nil, err
	}
	data, err := WETH.Pack("deposit")
	if err != nil {
		return nil, err
	}
	return &plan.TxRequest{To: to, Data: data, Value: new(big.Int).Set(p.Amount)}, nil
}

func buildUnwrap(p plan.UnwrapParams, info chainInfo) (*plan.TxRequest, error) {
	if err := positive(p.Amount); err != nil {
		return nil, err
	}
	to, err := wrapper(p.WrappedToken, info)
	if err != nil {
		return nil, err
	}
	data, err := WETH.Pack("withdraw", p.Amount)
	if err != nil {
		return nil, err
	}
	return &plan.TxRequest{To: to, Data: data}, nil
}

// buildSwap picks the router entry point from which side of the pair is native.
// A missing MinAmountOut packs zero, the engine always attaches a protected bound before building.
func (b *Standard) buildSwap(p plan.SwapParams, info chainInfo, from common.Address) (*plan.TxRequest, error) {
	if err := required(p.Router, "router"); err != nil {
		return nil, err
	}
	if err := positive(p.AmountIn); err != nil {
		return nil, err
	}
	recipient := p.Recipient
	if recipient == (common.Address{}) {
		recipient = from
	}
	minOut := p.MinAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	window := b.deadline
	if p.DeadlineSeconds > 0 {
		window = time.Duration(p.DeadlineSeconds) * time.Second
	}
	deadline := new(big.Int).SetInt64(b.now().Add(window).Unix())

	tokenIn, tokenOut := p.TokenInAddress, p.TokenOutAddress
	switch {
	case plan.IsNative(tokenIn) && plan.IsNative(tokenOut):
		return nil, fmt.Errorf("%w: swap between native currency and itself", ErrMissingAddress)
	case plan.IsNative(tokenIn):
		weth, err := wrapper(common.Address{}, info)
		if err != nil {
			return nil, err
		}
		data, err := Router.Pack("swapExactETHForTokens", minOut, []common.Address{weth, tokenOut}, recipient, deadline)
		if err != nil {
			return nil, err
		}
		return &plan.TxRequest{To: p.Router, Data: data, Value: new(big.Int).Set(p.AmountIn)}, nil
	case plan.IsNative(tokenOut):
		weth, err := wrapper(common.Address{}, info)
		if err != nil {
			return nil, err
		}
		data, err := Router.Pack("swapExactTokensForETH", p.AmountIn, minOut, []common.Address{tokenIn, weth}, recipient, deadline)
		if err != nil {
			return nil, err
		}
		return &plan.TxRequest{To: p.Router, Data: data}, nil
	default:
		data, err := Router.Pack("swapExactTokensForTokens", p.AmountIn, minOut, []common.Address{tokenIn, tokenOut}, recipient, deadline)
		if err != nil {
			return nil, err
		}
		return &plan.TxRequest{To: p.Router, Data: data}, nil
	}
}

func buildDeposit(p plan.DepositParams, from common.Address) (*plan.TxRequest, error) {
	if err := required(p.Vault, "vault"); err != nil {
		return nil, err
	}
	if err := positive(p.Amount); err != nil {
		return nil, err
	}
	data, err := Vault.Pack("deposit", p.Amount, from)
	if err != nil {
		return nil, err
	}
	return &plan.TxRequest{To: p.Vault, Data: data}, nil
}

func buildWithdraw(p plan.WithdrawParams, from common.Address) (*plan.TxRequest, error) {
	if err := required(p.Vault, "vault"); err != nil {
		return nil, err
	}
	if err := positive(p.Amount); err != nil {
		return nil, err
	}
	data, err := Vault.Pack("withdraw", p.Amount, from, from)
	if err != nil {
		return nil, err
	}
	return &plan.TxRequest{To: p.Vault, Data: data}, nil
}

// bridge call data is produced by the bridge provider and passed through
func buildBridge(p plan.BridgeParams) (*plan.TxRequest, error) {
	if err := required(p.Bridge, "bridge"); err != nil {
		return nil, err
	}
	if err := positive(p.Amount); err != nil {
		return nil, err
	}
	req := &plan.TxRequest{To: p.Bridge, Data: append([]byte(nil), p.Calldata...)}
	if plan.IsNative(p.TokenAddress) {
		req.Value = new(big.Int).Set(p.Amount)
	}
	return req, nil
}
