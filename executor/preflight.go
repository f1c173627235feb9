package executor

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/plan"
	"go.uber.org/zap"
)

type PreflightIssue struct {
	StepID  string `json:"stepId,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

type TokenRequirement struct {
	Symbol   string         `json:"symbol"`
	Token    common.Address `json:"token"`
	Required *big.Int       `json:"required"`
	Balance  *big.Int       `json:"balance,omitempty"`
}

type PreflightResult struct {
	Valid            bool               `json:"valid"`
	Issues           []PreflightIssue   `json:"issues"`
	EstimatedGas     uint64             `json:"estimatedGas"`
	GasPrice         *big.Int           `json:"gasPrice,omitempty"`
	EstimatedGasCost *big.Int           `json:"estimatedGasCost"`
	RequiredTokens   []TokenRequirement `json:"requiredTokens"`
}

func (r *PreflightResult) issue(stepID string, fatal bool, format string, args ...interface{}) {
	r.Issues = append(r.Issues, PreflightIssue{StepID: stepID, Message: fmt.Sprintf(format, args...), Fatal: fatal})
}

// ValidateBeforeExecution checks that the acting account can pay for gas and holds every spent token.
// Balances that can't be read are non fatal issues.
func (e *Engine) ValidateBeforeExecution(ctx context.Context, p *plan.Plan) (*PreflightResult, error) {
	res := &PreflightResult{
		Issues:           []PreflightIssue{},
		EstimatedGasCost: new(big.Int),
		RequiredTokens:   []TokenRequirement{},
	}
	if p.Account == (common.Address{}) {
		res.issue("", true, "acting account is not set")
		return res, nil
	}
	client, err := e.deps.Chains.Client(p.Chain)
	if err != nil {
		return nil, err
	}

	required := make(map[common.Address]*TokenRequirement)
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.IsWait() {
			continue
		}
		gas := step.EstimatedGas
		if gas == 0 {
			gas = e.cfg.DefaultGasLimit
		}
		res.EstimatedGas += gas

		spender, ok := step.Params.(plan.TokenAmount)
		if !ok {
			continue
		}
		symbol, token, amount := spender.InputToken()
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		req, ok := required[token]
		if !ok {
			req = &TokenRequirement{Symbol: symbol, Token: token, Required: new(big.Int)}
			required[token] = req
		}
		req.Required.Add(req.Required, amount)
	}

	var gasPrice *big.Int
	if e.deps.Prices != nil {
		gasPrice, err = e.deps.Prices.GetGasPrice(ctx, p.Chain)
	} else {
		gasPrice, err = client.SuggestGasPrice(ctx)
	}
	if err != nil {
		e.log.Debug("Failed to read gas price", zap.String("chain", p.Chain), zap.Error(err))
		res.issue("", false, "could not read gas price: %v", err)
	} else {
		res.GasPrice = gasPrice
		cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(res.EstimatedGas))
		cost.Mul(cost, new(big.Int).SetUint64(100+e.cfg.GasBufferPercent))
		res.EstimatedGasCost = cost.Quo(cost, big.NewInt(100))
	}

	nativeNeed := new(big.Int).Set(res.EstimatedGasCost)
	if native, ok := required[plan.NativeToken]; ok {
		nativeNeed.Add(nativeNeed, native.Required)
	}
	nativeSymbol := client.Chain().NativeCurrency.Symbol
	balance, err := client.BalanceAt(ctx, p.Account, nil)
	switch {
	case err != nil:
		res.issue("", false, "could not verify %s balance: %v", nativeSymbol, err)
	case balance.Cmp(nativeNeed) < 0:
		res.issue("", true, "insufficient %s balance for gas and value: have %s, need %s", nativeSymbol, balance, nativeNeed)
	}
	if native, ok := required[plan.NativeToken]; ok {
		native.Symbol = nativeSymbol
		native.Balance = balance
	}

	for token, req := range required {
		if plan.IsNative(token) {
			continue
		}
		balance, err := client.TokenBalance(ctx, token, p.Account)
		if err != nil {
			res.issue("", false, "could not verify %s balance: %v", req.Symbol, err)
			continue
		}
		req.Balance = balance
		if balance.Cmp(req.Required) < 0 {
			res.issue("", true, "insufficient %s balance: have %s, need %s", req.Symbol, balance, req.Required)
		}
	}

	for _, req := range required {
		res.RequiredTokens = append(res.RequiredTokens, *req)
	}
	sort.Slice(res.RequiredTokens, func(i, j int) bool {
		return res.RequiredTokens[i].Token.Hex() < res.RequiredTokens[j].Token.Hex()
	})

	res.Valid = true
	for _, issue := range res.Issues {
		if issue.Fatal {
			res.Valid = false
			break
		}
	}
	return res, nil
}
