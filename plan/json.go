package plan

import (
	"encoding/json"
	"fmt"
)

type stepJSON struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Params       json.RawMessage `json:"params"`
	DependsOn    []string        `json:"dependsOn,omitempty"`
	Description  string          `json:"description,omitempty"`
	EstimatedGas uint64          `json:"estimatedGas,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	var params json.RawMessage
	if s.Params != nil {
		data, err := json.Marshal(s.Params)
		if err != nil {
			return nil, err
		}
		params = data
	}
	return json.Marshal(stepJSON{
		ID:           s.ID,
		Kind:         s.Kind(),
		Params:       params,
		DependsOn:    s.DependsOn,
		Description:  s.Description,
		EstimatedGas: s.EstimatedGas,
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params, err := newParams(raw.Kind)
	if err != nil {
		return err
	}
	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		if err := json.Unmarshal(raw.Params, params); err != nil {
			return fmt.Errorf("step %s: %w", raw.ID, err)
		}
	}
	s.ID = raw.ID
	s.Params = derefParams(params)
	s.DependsOn = raw.DependsOn
	s.Description = raw.Description
	s.EstimatedGas = raw.EstimatedGas
	return nil
}

func newParams(kind Kind) (interface{}, error) {
	switch kind {
	case KindApprove:
		return &ApproveParams{}, nil
	case KindSwap:
		return &SwapParams{}, nil
	case KindBridge:
		return &BridgeParams{}, nil
	case KindDeposit:
		return &DepositParams{}, nil
	case KindWithdraw:
		return &WithdrawParams{}, nil
	case KindWrap:
		return &WrapParams{}, nil
	case KindUnwrap:
		return &UnwrapParams{}, nil
	case KindTransfer:
		return &TransferParams{}, nil
	case KindWait:
		return &WaitParams{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// params are stored by value so that a step can be copied without sharing state
func derefParams(p interface{}) Params {
	switch v := p.(type) {
	case *ApproveParams:
		return *v
	case *SwapParams:
		return *v
	case *BridgeParams:
		return *v
	case *DepositParams:
		return *v
	case *WithdrawParams:
		return *v
	case *WrapParams:
		return *v
	case *UnwrapParams:
		return *v
	case *TransferParams:
		return *v
	case *WaitParams:
		return *v
	}
	return nil
}
