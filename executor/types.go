// Package executor runs plans step by step: it builds, prices, signs, broadcasts and confirms every
// step transaction and keeps an inspectable state per plan.
package executor

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/flashbots/tx-plan-executor/slippage"
)

var (
	ErrUnknownPlan         = errors.New("unknown plan")
	ErrAlreadyExecuting    = errors.New("plan is already executing")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
	ErrTransactionCanceled = errors.New("transaction was canceled")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrAlreadyMined        = errors.New("transaction is already mined")
	ErrAlreadyReplaced     = errors.New("transaction was already replaced")
	ErrInvalidMultiplier   = errors.New("fee multiplier must be at least 1.1")
	ErrEmptySignResult     = errors.New("signer returned neither a hash nor a signed transaction")
	// ErrNonceReleased is joined to signer errors when the signer already gave the nonce back
	ErrNonceReleased = errors.New("nonce released by signer")
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusExecuting         Status = "executing"
	StatusPaused            Status = "paused"
	StatusAwaitingSignature Status = "awaiting_signature"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// Terminal reports whether no further step will run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPaused
}

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepResult struct {
	StepID      string             `json:"stepId"`
	Kind        plan.Kind          `json:"kind"`
	Status      StepStatus         `json:"status"`
	TxHash      *common.Hash       `json:"txHash,omitempty"`
	BlockNumber uint64             `json:"blockNumber,omitempty"`
	GasUsed     uint64             `json:"gasUsed,omitempty"`
	GasCostUSD  float64            `json:"gasCostUsd,omitempty"`
	Attempts    int                `json:"attempts"`
	Error       string             `json:"error,omitempty"`
	Slippage    *slippage.Analysis `json:"slippage,omitempty"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  time.Time          `json:"finishedAt"`
}

// ExecutionState is the live view of one plan. Snapshots returned to callers are copies.
type ExecutionState struct {
	PlanID         string                 `json:"planId"`
	Chain          string                 `json:"chain"`
	Account        common.Address         `json:"account"`
	Status         Status                 `json:"status"`
	CurrentStep    int                    `json:"currentStep"`
	CompletedSteps []string               `json:"completedSteps"`
	FailedSteps    []string               `json:"failedSteps"`
	SkippedSteps   []string               `json:"skippedSteps"`
	TxHashes       map[string]common.Hash `json:"txHashes"`
	Results        []StepResult           `json:"results"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	FinishedAt     *time.Time             `json:"finishedAt,omitempty"`
}

func newExecutionState(p *plan.Plan, now time.Time) *ExecutionState {
	return &ExecutionState{
		PlanID:         p.ID,
		Chain:          p.Chain,
		Account:        p.Account,
		Status:         StatusPending,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		SkippedSteps:   []string{},
		TxHashes:       make(map[string]common.Hash),
		Results:        []StepResult{},
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *ExecutionState) clone() *ExecutionState {
	c := *s
	c.CompletedSteps = append([]string{}, s.CompletedSteps...)
	c.FailedSteps = append([]string{}, s.FailedSteps...)
	c.SkippedSteps = append([]string{}, s.SkippedSteps...)
	c.Results = append([]StepResult{}, s.Results...)
	c.TxHashes = make(map[string]common.Hash, len(s.TxHashes))
	for k, v := range s.TxHashes {
		c.TxHashes[k] = v
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		c.FinishedAt = &finished
	}
	return &c
}

// ExecutionResult is returned by ExecutePlan. Failures are encoded here, never returned as Go errors,
// so transactions that did land stay visible to the caller.
type ExecutionResult struct {
	PlanID         string        `json:"planId"`
	Status         Status        `json:"status"`
	CompletedSteps int           `json:"completedSteps"`
	FailedSteps    int           `json:"failedSteps"`
	SkippedSteps   int           `json:"skippedSteps"`
	TxHashes       []common.Hash `json:"txHashes"`
	TotalGasUsed   uint64        `json:"totalGasUsed"`
	TotalGasUSD    float64       `json:"totalGasUsd"`
	Steps          []StepResult  `json:"steps"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Success reports whether every step completed.
func (r *ExecutionResult) Success() bool {
	return r.Status == StatusCompleted && r.FailedSteps == 0
}

// TransactionToSign is a fully formed transaction handed to a signer. It is never mutated after creation.
type TransactionToSign struct {
	PlanID  string         `json:"planId,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Chain   string         `json:"chain"`
	ChainID *big.Int       `json:"chainId"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Data    []byte         `json:"data"`
	Value   *big.Int       `json:"value"`
	Nonce   uint64         `json:"nonce"`
	Gas     uint64         `json:"gas"`
	// GasFeeCap and GasTipCap are set for dynamic fee chains, GasPrice otherwise
	GasFeeCap *big.Int `json:"maxFeePerGas,omitempty"`
	GasTipCap *big.Int `json:"maxPriorityFeePerGas,omitempty"`
	GasPrice  *big.Int `json:"gasPrice,omitempty"`
	// Private routes the signed transaction through the private relay
	Private bool `json:"private,omitempty"`
}

// Unsigned returns the go-ethereum transaction matching the request.
func (t *TransactionToSign) Unsigned() *types.Transaction {
	to := t.To
	value := t.Value
	if value == nil {
		value = new(big.Int)
	}
	if t.GasFeeCap != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   t.ChainID,
			Nonce:     t.Nonce,
			GasTipCap: t.GasTipCap,
			GasFeeCap: t.GasFeeCap,
			Gas:       t.Gas,
			To:        &to,
			Value:     value,
			Data:      t.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: t.GasPrice,
		Gas:      t.Gas,
		To:       &to,
		Value:    value,
		Data:     t.Data,
	})
}

// EffectiveGasPrice is the worst case price per gas.
func (t *TransactionToSign) EffectiveGasPrice() *big.Int {
	if t.GasFeeCap != nil {
		return t.GasFeeCap
	}
	if t.GasPrice != nil {
		return t.GasPrice
	}
	return new(big.Int)
}

// withFees returns a copy with every fee field scaled by multiplier.
func (t *TransactionToSign) withFees(multiplier float64) *TransactionToSign {
	c := *t
	c.GasFeeCap = scaleFee(t.GasFeeCap, multiplier)
	c.GasTipCap = scaleFee(t.GasTipCap, multiplier)
	c.GasPrice = scaleFee(t.GasPrice, multiplier)
	return &c
}

// scaleFee multiplies in thousandths so fees stay integral.
func scaleFee(v *big.Int, multiplier float64) *big.Int {
	if v == nil {
		return nil
	}
	permille := big.NewInt(int64(multiplier*1000 + 0.5))
	out := new(big.Int).Mul(v, permille)
	out.Quo(out, big.NewInt(1000))
	if out.Cmp(v) <= 0 {
		out.Add(v, big.NewInt(1))
	}
	return out
}

// SignResult carries exactly one of a broadcast transaction hash or a signed transaction the engine must broadcast.
type SignResult struct {
	TxHash common.Hash
	Signed *types.Transaction
}
