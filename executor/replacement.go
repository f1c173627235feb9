package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/metrics"
	"go.uber.org/zap"
)

const (
	transferGas       = 21_000
	minFeeMultiplier  = 1.1
	maxReplacementLag = 64
)

type ReplacementResult struct {
	Success      bool        `json:"success"`
	OriginalHash common.Hash `json:"originalHash"`
	NewHash      common.Hash `json:"newHash,omitempty"`
	Nonce        uint64      `json:"nonce"`
	Error        string      `json:"error,omitempty"`
}

func failedReplacement(hash common.Hash, err error) (*ReplacementResult, error) {
	return &ReplacementResult{OriginalHash: hash, Error: err.Error()}, err
}

// SpeedUpTransaction resubmits a still pending transaction with the same nonce and fees scaled by multiplier.
// A multiplier of 0 selects the configured default.
func (e *Engine) SpeedUpTransaction(ctx context.Context, txHash common.Hash, chain string, multiplier float64) (*ReplacementResult, error) {
	if multiplier == 0 {
		multiplier = e.cfg.SpeedUpMultiplier
	}
	return e.replace(ctx, txHash, chain, multiplier, sentSpeedUp)
}

// CancelTransaction replaces a still pending transaction with a zero value self transfer and confirms its nonce.
func (e *Engine) CancelTransaction(ctx context.Context, txHash common.Hash, chain string, multiplier float64) (*ReplacementResult, error) {
	if multiplier == 0 {
		multiplier = e.cfg.CancelMultiplier
	}
	return e.replace(ctx, txHash, chain, multiplier, sentCancel)
}

func (e *Engine) replace(ctx context.Context, txHash common.Hash, chain string, multiplier float64, kind sentKind) (*ReplacementResult, error) {
	if multiplier < minFeeMultiplier {
		return failedReplacement(txHash, ErrInvalidMultiplier)
	}

	e.mu.Lock()
	original, ok := e.lookupSent(txHash)
	var replacedBy common.Hash
	if ok {
		replacedBy = original.replacedBy
	}
	e.mu.Unlock()
	if !ok {
		return failedReplacement(txHash, fmt.Errorf("%w: %s", ErrUnknownTransaction, txHash.Hex()))
	}
	if original.tx.Chain != chain {
		return failedReplacement(txHash, fmt.Errorf("%w: %s on chain %s", ErrUnknownTransaction, txHash.Hex(), chain))
	}
	if replacedBy != (common.Hash{}) {
		return failedReplacement(txHash, fmt.Errorf("%w by %s", ErrAlreadyReplaced, replacedBy.Hex()))
	}

	client, err := e.deps.Chains.Client(chain)
	if err != nil {
		return failedReplacement(txHash, err)
	}
	mined, err := isMined(ctx, client, txHash)
	if err != nil {
		return failedReplacement(txHash, err)
	}
	if mined {
		return failedReplacement(txHash, ErrAlreadyMined)
	}

	next := original.tx.withFees(multiplier)
	if kind == sentCancel {
		next.To = next.From
		next.Data = nil
		next.Value = nil
		next.Gas = transferGas
	}

	log := e.log.With(zap.String("tx", txHash.Hex()), zap.String("kind", string(kind)), zap.Uint64("nonce", next.Nonce))
	// the nonce stays held by the original transaction whatever happens here
	signer := original.signer
	if s, ok := signer.(replacingSigner); ok {
		signer = s.replacementSigner()
	}
	res, err := signer.Sign(ctx, next)
	if err != nil {
		log.Warn("Failed to sign replacement", zap.Error(err))
		return failedReplacement(txHash, err)
	}
	newHash := res.TxHash
	if res.Signed != nil {
		newHash, err = e.deps.Broadcaster.Broadcast(ctx, chain, res.Signed, next.Private)
		if err != nil {
			log.Warn("Failed to broadcast replacement", zap.Error(err))
			return failedReplacement(txHash, err)
		}
	}

	e.trackSent(newHash, &sentTx{tx: next, signer: original.signer, kind: kind})
	e.mu.Lock()
	original.replacedBy = newHash
	e.mu.Unlock()
	metrics.IncReplacement(string(kind))

	if kind == sentCancel {
		if err := e.deps.Nonces.ConfirmNonce(ctx, next.Chain, next.From, next.Nonce); err != nil {
			log.Debug("Failed to confirm canceled nonce", zap.Error(err))
		}
	}
	log.Info("Transaction replaced", zap.String("newTx", newHash.Hex()))
	return &ReplacementResult{Success: true, OriginalHash: txHash, NewHash: newHash, Nonce: next.Nonce}, nil
}

func isMined(ctx context.Context, client *chainrpc.Client, hash common.Hash) (bool, error) {
	receipt, err := client.TransactionReceipt(ctx, hash, chainrpc.NoCache())
	switch {
	case err == nil && receipt != nil:
		return true, nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return false, err
	}
	lookup, err := client.TransactionByHash(ctx, hash, chainrpc.NoCache())
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// dropped from the mempool, replacing it is still possible
			return false, nil
		}
		return false, err
	}
	return !lookup.Pending, nil
}
