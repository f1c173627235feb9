// Package plan contains the data model shared by the simulator, the slippage protector and the execution engine:
// plans, steps and the per-kind step parameters.
//
// A Plan is created by the caller and is immutable once execution starts. Only derived results are mutated.
package plan

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyPlan          = errors.New("plan has no steps")
	ErrEmptyStepID        = errors.New("step has empty id")
	ErrDuplicateStepID    = errors.New("duplicate step id")
	ErrUnknownKind        = errors.New("unknown step kind")
	ErrInvalidFailureMode = errors.New("invalid failure mode")
	ErrMissingParams      = errors.New("step has no params")
	ErrWaitTooLong        = errors.New("wait step is too long")
)

// NativeToken is the token address used for the chain native currency.
var NativeToken = common.Address{}

type Kind string

const (
	KindApprove  Kind = "approve"
	KindSwap     Kind = "swap"
	KindBridge   Kind = "bridge"
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindWrap     Kind = "wrap"
	KindUnwrap   Kind = "unwrap"
	KindTransfer Kind = "transfer"
	KindWait     Kind = "wait"
)

type FailureMode string

const (
	FailureModeAbort    FailureMode = "abort"
	FailureModeContinue FailureMode = "continue"
)

type Plan struct {
	ID          string         `json:"id"`
	Chain       string         `json:"chain"`
	Account     common.Address `json:"account"`
	FailureMode FailureMode    `json:"failureMode"`
	Steps       []Step         `json:"steps"`
}

type Step struct {
	ID           string   `json:"id"`
	Params       Params   `json:"-"`
	DependsOn    []string `json:"dependsOn,omitempty"`
	Description  string   `json:"description,omitempty"`
	EstimatedGas uint64   `json:"estimatedGas,omitempty"`
}

// Kind returns the step kind derived from its params variant.
func (s *Step) Kind() Kind {
	if s.Params == nil {
		return ""
	}
	return s.Params.Kind()
}

// IsWait reports whether the step produces no transaction.
func (s *Step) IsWait() bool {
	return s.Kind() == KindWait
}

// WithParams returns a copy of the step carrying different params.
func (s Step) WithParams(p Params) Step {
	s.Params = p
	return s
}

// TxRequest is the output of the transaction builder.
type TxRequest struct {
	To      common.Address
	Data    []byte
	Value   *big.Int
	ChainID *big.Int
}

// TxBuilder is the external collaborator that turns step params into call data.
// It must not perform any network I/O.
type TxBuilder interface {
	BuildTx(chain string, step *Step, from common.Address) (*TxRequest, error)
}

// Validate checks the structural shape of a plan: ids, kinds and failure mode.
// Semantic problems (balances, cycles) are reported by the safety package.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	switch p.FailureMode {
	case FailureModeAbort, FailureModeContinue:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFailureMode, p.FailureMode)
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("%w: index %d", ErrEmptyStepID, i)
		}
		if _, ok := seen[step.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Params == nil {
			return fmt.Errorf("%w: %s", ErrMissingParams, step.ID)
		}
		if wait, ok := step.Params.(WaitParams); ok && wait.DurationSeconds > MaxWaitSeconds {
			return fmt.Errorf("%w: %s waits %ds, at most %ds", ErrWaitTooLong, step.ID, wait.DurationSeconds, MaxWaitSeconds)
		}
	}
	return nil
}

// StepByID returns the step with the given id or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// EnsureID assigns a deterministic id to a plan that doesn't carry one.
// The id is a keccak digest of the chain, the account, the step ids and the submission time.
func (p *Plan) EnsureID(now time.Time) string {
	if p.ID != "" {
		return p.ID
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(p.Chain))
	h.Write(p.Account.Bytes())
	for _, s := range p.Steps {
		h.Write([]byte(s.ID))
		h.Write([]byte(s.Kind()))
	}
	h.Write([]byte(now.UTC().Format(time.RFC3339Nano)))
	p.ID = common.BytesToHash(h.Sum(nil)).Hex()
	return p.ID
}
