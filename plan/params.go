package plan

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Params is the tagged union of per-kind step parameters.
type Params interface {
	Kind() Kind
}

// TokenAmount is implemented by params that spend a token held by the acting account.
type TokenAmount interface {
	// InputToken returns the spent token symbol, address and amount in base units.
	InputToken() (symbol string, token common.Address, amount *big.Int)
}

type ApproveParams struct {
	Token        string         `json:"token"`
	TokenAddress common.Address `json:"tokenAddress"`
	Spender      common.Address `json:"spender"`
	Amount       *big.Int       `json:"amount"`
}

type SwapParams struct {
	TokenIn           string         `json:"tokenIn"`
	TokenInAddress    common.Address `json:"tokenInAddress"`
	TokenInDecimals   uint8          `json:"tokenInDecimals"`
	TokenOut          string         `json:"tokenOut"`
	TokenOutAddress   common.Address `json:"tokenOutAddress"`
	AmountIn          *big.Int       `json:"amountIn"`
	MinAmountOut      *big.Int       `json:"minAmountOut,omitempty"`
	SlippagePercent   *float64       `json:"slippagePercent,omitempty"`
	Router            common.Address `json:"router"`
	Dex               string         `json:"dex,omitempty"`
	Recipient         common.Address `json:"recipient,omitempty"`
	DeadlineSeconds   uint64         `json:"deadlineSeconds,omitempty"`
	PrivateSubmission bool           `json:"privateSubmission,omitempty"`
}

type BridgeParams struct {
	Token            string         `json:"token"`
	TokenAddress     common.Address `json:"tokenAddress"`
	Amount           *big.Int       `json:"amount"`
	DestinationChain string         `json:"destinationChain"`
	Bridge           common.Address `json:"bridge"`
	Calldata         hexutil.Bytes  `json:"calldata,omitempty"`
}

type DepositParams struct {
	Token        string         `json:"token"`
	TokenAddress common.Address `json:"tokenAddress"`
	Vault        common.Address `json:"vault"`
	Amount       *big.Int       `json:"amount"`
}

type WithdrawParams struct {
	Token        string         `json:"token"`
	TokenAddress common.Address `json:"tokenAddress"`
	Vault        common.Address `json:"vault"`
	Amount       *big.Int       `json:"amount"`
}

type WrapParams struct {
	WrappedToken common.Address `json:"wrappedToken"`
	Amount       *big.Int       `json:"amount"`
}

type UnwrapParams struct {
	WrappedToken common.Address `json:"wrappedToken"`
	Amount       *big.Int       `json:"amount"`
}

type TransferParams struct {
	Token        string         `json:"token"`
	TokenAddress common.Address `json:"tokenAddress"`
	To           common.Address `json:"to"`
	Amount       *big.Int       `json:"amount"`
}

type WaitParams struct {
	DurationSeconds uint64 `json:"durationSeconds"`
	Reason          string `json:"reason,omitempty"`
}

func (ApproveParams) Kind() Kind  { return KindApprove }
func (SwapParams) Kind() Kind     { return KindSwap }
func (BridgeParams) Kind() Kind   { return KindBridge }
func (DepositParams) Kind() Kind  { return KindDeposit }
func (WithdrawParams) Kind() Kind { return KindWithdraw }
func (WrapParams) Kind() Kind     { return KindWrap }
func (UnwrapParams) Kind() Kind   { return KindUnwrap }
func (TransferParams) Kind() Kind { return KindTransfer }
func (WaitParams) Kind() Kind     { return KindWait }

func (p SwapParams) InputToken() (string, common.Address, *big.Int) {
	return p.TokenIn, p.TokenInAddress, p.AmountIn
}

func (p BridgeParams) InputToken() (string, common.Address, *big.Int) {
	return p.Token, p.TokenAddress, p.Amount
}

func (p DepositParams) InputToken() (string, common.Address, *big.Int) {
	return p.Token, p.TokenAddress, p.Amount
}

func (p TransferParams) InputToken() (string, common.Address, *big.Int) {
	return p.Token, p.TokenAddress, p.Amount
}

// wrapping spends native currency
func (p WrapParams) InputToken() (string, common.Address, *big.Int) {
	return "", NativeToken, p.Amount
}

func (p UnwrapParams) InputToken() (string, common.Address, *big.Int) {
	return "", p.WrappedToken, p.Amount
}

// MaxWaitSeconds bounds a wait step to a week.
const MaxWaitSeconds = 7 * 24 * 60 * 60

// Duration returns how long a wait step lasts, at most MaxWaitSeconds.
func (p WaitParams) Duration() time.Duration {
	if p.DurationSeconds > MaxWaitSeconds {
		return MaxWaitSeconds * time.Second
	}
	return time.Duration(p.DurationSeconds) * time.Second
}

// IsNative reports whether the address denotes the chain native currency.
func IsNative(token common.Address) bool {
	return token == NativeToken
}
