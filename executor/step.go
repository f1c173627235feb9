package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/flashbots/tx-plan-executor/slippage"
	"go.uber.org/zap"
)

var errBuild = errors.New("failed to build transaction")

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

type stepOutcome struct {
	txHash      common.Hash
	blockNumber uint64
	gasUsed     uint64
	gasCostUSD  float64
	slippage    *slippage.Analysis
}

type fees struct {
	feeCap   *big.Int
	tipCap   *big.Int
	gasPrice *big.Int
}

func (f fees) perGas() *big.Int {
	if f.feeCap != nil {
		return f.feeCap
	}
	return f.gasPrice
}

func (e *Engine) executeStep(ctx context.Context, ex *execution, p *plan.Plan, step *plan.Step, signer Signer) (*stepOutcome, error) {
	client, err := e.deps.Chains.Client(p.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBuild, err)
	}
	log := e.log.With(zap.String("plan", p.ID), zap.String("step", step.ID))
	outcome := &stepOutcome{}

	private := false
	if swap, ok := step.Params.(plan.SwapParams); ok && e.deps.Protector != nil {
		protected, err := e.deps.Protector.GetProtectedSwapParams(ctx, swap, p.Chain, nil)
		if protected != nil {
			outcome.slippage = protected.Analysis
		}
		if err != nil {
			return outcome, err
		}
		protectedStep := step.WithParams(protected.Params)
		step = &protectedStep
		private = protected.Params.PrivateSubmission
	}

	req, err := e.deps.Builder.BuildTx(p.Chain, step, p.Account)
	if err != nil {
		return outcome, fmt.Errorf("%w: %v", errBuild, err)
	}

	gas := e.estimateGas(ctx, client, p.Account, req, step, log)
	fee, err := e.suggestFees(ctx, client, p.Chain)
	if err != nil {
		return outcome, fmt.Errorf("failed to price gas: %w", err)
	}
	outcome.gasCostUSD = e.gasCostUSD(ctx, client, p.Chain, new(big.Int).Mul(fee.perGas(), new(big.Int).SetUint64(gas)))

	n, err := e.deps.Nonces.NextNonce(ctx, p.Chain, p.Account)
	if err != nil {
		return outcome, fmt.Errorf("failed to allocate nonce: %w", err)
	}

	chainID := req.ChainID
	if chainID == nil {
		chainID = client.ConfiguredChainID()
	}
	tx := &TransactionToSign{
		PlanID:    p.ID,
		StepID:    step.ID,
		Chain:     p.Chain,
		ChainID:   chainID,
		From:      p.Account,
		To:        req.To,
		Data:      req.Data,
		Value:     req.Value,
		Nonce:     n,
		Gas:       gas,
		GasFeeCap: fee.feeCap,
		GasTipCap: fee.tipCap,
		GasPrice:  fee.gasPrice,
		Private:   private,
	}

	hash, err := e.sign(ctx, ex, tx, signer)
	if err != nil {
		if !errors.Is(err, ErrNonceReleased) {
			e.releaseNonce(ctx, tx, log)
		}
		return outcome, err
	}
	e.trackSent(hash, &sentTx{tx: tx, signer: signer, kind: sentOriginal})
	outcome.txHash = hash
	log.Debug("Transaction sent", zap.String("tx", hash.Hex()), zap.Uint64("nonce", n), zap.Uint64("gas", gas))

	receipt, err := e.waitForConfirmation(ctx, client, hash)
	if receipt != nil {
		// mined with either status, the nonce is consumed
		e.confirmNonce(ctx, tx, log)
		outcome.txHash = receipt.TxHash
		outcome.blockNumber = receipt.BlockNumber.Uint64()
		outcome.gasUsed = receipt.GasUsed
	}
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (e *Engine) sign(ctx context.Context, ex *execution, tx *TransactionToSign, signer Signer) (common.Hash, error) {
	awaits := false
	if s, ok := signer.(awaitingSigner); ok {
		awaits = s.AwaitsSignature()
	}
	if awaits {
		ex.update(func(s *ExecutionState) { s.Status = StatusAwaitingSignature })
		defer ex.update(func(s *ExecutionState) { s.Status = StatusExecuting })
	}

	res, err := signer.Sign(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	switch {
	case res.Signed != nil:
		return e.deps.Broadcaster.Broadcast(ctx, tx.Chain, res.Signed, tx.Private)
	case res.TxHash != (common.Hash{}):
		return res.TxHash, nil
	default:
		return common.Hash{}, ErrEmptySignResult
	}
}

// estimateGas falls back to twice the declared estimate when the node can't estimate.
func (e *Engine) estimateGas(ctx context.Context, client *chainrpc.Client, from common.Address, req *plan.TxRequest, step *plan.Step, log *zap.Logger) uint64 {
	to := req.To
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: req.Data, Value: req.Value}, chainrpc.NoCache())
	if err == nil && gas > 0 {
		return gas
	}
	declared := step.EstimatedGas
	if declared == 0 {
		declared = e.cfg.DefaultGasLimit
	}
	log.Debug("Gas estimation failed, using fallback", zap.Uint64("gas", 2*declared), zap.Error(err))
	return 2 * declared
}

// suggestFees returns dynamic fees when the chain reports a base fee and a legacy gas price otherwise.
func (e *Engine) suggestFees(ctx context.Context, client *chainrpc.Client, chain string) (fees, error) {
	header, err := client.HeaderByNumber(ctx, nil, chainrpc.NoCache())
	if err == nil && header.BaseFee != nil {
		tip, err := client.SuggestGasTipCap(ctx, chainrpc.NoCache())
		if err != nil {
			return fees{}, err
		}
		feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return fees{feeCap: feeCap, tipCap: tip}, nil
	}

	var price *big.Int
	if e.deps.Prices != nil {
		price, err = e.deps.Prices.GetGasPrice(ctx, chain)
	} else {
		price, err = client.SuggestGasPrice(ctx, chainrpc.NoCache())
	}
	if err != nil {
		return fees{}, err
	}
	return fees{gasPrice: price}, nil
}

func (e *Engine) gasCostUSD(ctx context.Context, client *chainrpc.Client, chain string, wei *big.Int) float64 {
	if e.deps.Prices == nil {
		return 0
	}
	symbol := client.Chain().NativeCurrency.Symbol
	price, err := e.deps.Prices.GetTokenPrice(ctx, symbol, chain)
	if err != nil {
		e.log.Debug("Failed to price native currency", zap.String("symbol", symbol), zap.Error(err))
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return eth * price
}

func (e *Engine) releaseNonce(ctx context.Context, tx *TransactionToSign, log *zap.Logger) {
	if err := e.deps.Nonces.ReleaseNonce(ctx, tx.Chain, tx.From, tx.Nonce); err != nil {
		log.Warn("Failed to release nonce", zap.Uint64("nonce", tx.Nonce), zap.Error(err))
	}
}

func (e *Engine) confirmNonce(ctx context.Context, tx *TransactionToSign, log *zap.Logger) {
	if err := e.deps.Nonces.ConfirmNonce(ctx, tx.Chain, tx.From, tx.Nonce); err != nil {
		// a cancel may have confirmed it already
		log.Debug("Failed to confirm nonce", zap.Uint64("nonce", tx.Nonce), zap.Error(err))
	}
}

func (e *Engine) trackSent(hash common.Hash, s *sentTx) {
	e.sent.SetDefault(hash.Hex(), s)
}

func (e *Engine) lookupSent(hash common.Hash) (*sentTx, bool) {
	v, ok := e.sent.Get(hash.Hex())
	if !ok {
		return nil, false
	}
	s, ok := v.(*sentTx)
	return s, ok
}

// latest follows replacements of hash to the transaction that currently holds its nonce.
func (e *Engine) latest(hash common.Hash) (common.Hash, sentKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kind := sentOriginal
	for i := 0; i < maxReplacementLag; i++ {
		s, ok := e.lookupSent(hash)
		if !ok {
			break
		}
		kind = s.kind
		if s.replacedBy == (common.Hash{}) {
			break
		}
		hash = s.replacedBy
	}
	return hash, kind
}

// waitForConfirmation polls until the transaction, or whatever replaced it, has the configured confirmations.
// A mined receipt is returned even when the transaction reverted.
func (e *Engine) waitForConfirmation(ctx context.Context, client *chainrpc.Client, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TxTimeout)
	defer cancel()

	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current, kind := e.latest(hash)
		receipt, err := client.TransactionReceipt(ctx, current, chainrpc.NoCache())
		switch {
		case err == nil && receipt != nil:
			if e.cfg.Confirmations > 1 {
				head, err := client.BlockNumber(ctx, chainrpc.NoCache())
				if err != nil || head+1 < receipt.BlockNumber.Uint64()+e.cfg.Confirmations {
					break
				}
			}
			switch {
			case kind == sentCancel:
				return receipt, ErrTransactionCanceled
			case receipt.Status == types.ReceiptStatusFailed:
				return receipt, fmt.Errorf("%w in block %d", ErrTransactionReverted, receipt.BlockNumber.Uint64())
			default:
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			e.log.Debug("Failed to fetch receipt", zap.String("tx", current.Hex()), zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, current.Hex(), e.cfg.TxTimeout)
			}
			return nil, ctx.Err()
		}
	}
}
