// Package safety validates a plan and simulates its transactions before any value is committed.
package safety

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/tx-plan-executor/chainrpc"
	"github.com/flashbots/tx-plan-executor/plan"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Issue struct {
	StepID   string   `json:"stepId,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

func (r *ValidationResult) add(stepID string, severity Severity, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{StepID: stepID, Severity: severity, Message: fmt.Sprintf(format, args...)})
}

type StepSimulation struct {
	StepID       string    `json:"stepId"`
	Kind         plan.Kind `json:"kind"`
	Skipped      bool      `json:"skipped,omitempty"`
	Success      bool      `json:"success"`
	GasEstimate  uint64    `json:"gasEstimate,omitempty"`
	RevertReason string    `json:"revertReason,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type SimulationResult struct {
	Success          bool             `json:"success"`
	Steps            []StepSimulation `json:"steps"`
	TotalGasEstimate uint64           `json:"totalGasEstimate"`
}

// ChainClients resolves the resilient client of a chain, chainrpc.Pool implements it.
type ChainClients interface {
	Client(chain string) (*chainrpc.Client, error)
}

type Simulator struct {
	log     *zap.Logger
	chains  ChainClients
	builder plan.TxBuilder
}

func NewSimulator(log *zap.Logger, chains ChainClients, builder plan.TxBuilder) *Simulator {
	return &Simulator{
		log:     log.Named("safety"),
		chains:  chains,
		builder: builder,
	}
}

// ValidatePlan reports severity tagged issues. The plan is valid iff no issue is an error.
func (s *Simulator) ValidatePlan(ctx context.Context, p *plan.Plan) *ValidationResult {
	res := &ValidationResult{Issues: []Issue{}}

	if p.Account == (common.Address{}) {
		res.add("", SeverityError, "acting account is not set")
	}
	client, err := s.chains.Client(p.Chain)
	if err != nil {
		res.add("", SeverityError, "unknown chain %q", p.Chain)
	}
	if len(p.Steps) == 0 {
		res.add("", SeverityError, "plan has no steps")
	}

	ids := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if _, ok := ids[step.ID]; ok {
			res.add(step.ID, SeverityError, "duplicate step id %q", step.ID)
		}
		ids[step.ID] = struct{}{}
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				res.add(step.ID, SeverityError, "depends on unknown step %q", dep)
			}
		}
		s.validateStep(ctx, res, p, step, client)
	}

	for _, id := range findCycles(p.Steps) {
		res.add(id, SeverityError, "dependency cycle detected involving step %q", id)
	}

	res.Valid = true
	for _, issue := range res.Issues {
		if issue.Severity == SeverityError {
			res.Valid = false
			break
		}
	}
	return res
}

func (s *Simulator) validateStep(ctx context.Context, res *ValidationResult, p *plan.Plan, step *plan.Step, client *chainrpc.Client) {
	switch params := step.Params.(type) {
	case nil:
		res.add(step.ID, SeverityError, "step has no parameters")
	case plan.WaitParams:
		res.add(step.ID, SeverityInfo, "waits %s before continuing", params.Duration())
	case plan.SwapParams, plan.BridgeParams:
		//nolint:forcetypeassert
		symbol, token, amount := params.(plan.TokenAmount).InputToken()
		if amount == nil || amount.Sign() <= 0 {
			res.add(step.ID, SeverityError, "%s amount must be positive", step.Kind())
			return
		}
		if client == nil || p.Account == (common.Address{}) {
			return
		}
		s.checkBalance(ctx, res, p.Account, step.ID, symbol, token, amount, client)
	case plan.DepositParams:
		checkVaultStep(res, step.ID, params.Token, params.TokenAddress, params.Vault)
	case plan.WithdrawParams:
		checkVaultStep(res, step.ID, params.Token, params.TokenAddress, params.Vault)
	}
}

func checkVaultStep(res *ValidationResult, stepID, symbol string, token, vault common.Address) {
	if token == (common.Address{}) {
		res.add(stepID, SeverityError, "no token address mapped for %q", symbol)
	}
	if vault == (common.Address{}) {
		res.add(stepID, SeverityError, "no vault address set")
	}
}

func (s *Simulator) checkBalance(ctx context.Context, res *ValidationResult, account common.Address, stepID, symbol string, token common.Address, amount *big.Int, client *chainrpc.Client) {
	var (
		balance *big.Int
		err     error
	)
	if plan.IsNative(token) {
		symbol = client.Chain().NativeCurrency.Symbol
		balance, err = client.BalanceAt(ctx, account, nil)
	} else {
		balance, err = client.TokenBalance(ctx, token, account)
	}
	if err != nil {
		s.log.Debug("Failed to read balance", zap.String("step", stepID), zap.Error(err))
		res.add(stepID, SeverityWarning, "could not verify %s balance: %v", symbol, err)
		return
	}
	if balance.Cmp(amount) < 0 {
		res.add(stepID, SeverityError, "insufficient %s balance: have %s, need %s", symbol, balance, amount)
	}
}

// findCycles runs a depth first search over dependsOn edges and returns one step id per cycle found.
func findCycles(steps []plan.Step) []string {
	const (
		white = iota
		grey
		black
	)
	edges := make(map[string][]string, len(steps))
	for _, step := range steps {
		edges[step.ID] = append(edges[step.ID], step.DependsOn...)
	}
	color := make(map[string]int, len(steps))
	reported := make(map[string]bool)
	var cycles []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, dep := range edges[id] {
			if _, known := edges[dep]; !known {
				continue
			}
			switch color[dep] {
			case grey:
				if !reported[dep] {
					reported[dep] = true
					cycles = append(cycles, dep)
				}
			case white:
				visit(dep)
			}
		}
		color[id] = black
	}
	for _, step := range steps {
		if color[step.ID] == white {
			visit(step.ID)
		}
	}
	return cycles
}

// SimulatePlan runs every transaction producing step as an eth_call against the current state and estimates its gas.
func (s *Simulator) SimulatePlan(ctx context.Context, p *plan.Plan) (*SimulationResult, error) {
	client, err := s.chains.Client(p.Chain)
	if err != nil {
		return nil, err
	}

	res := &SimulationResult{Success: true, Steps: make([]StepSimulation, 0, len(p.Steps))}
	for i := range p.Steps {
		sim := s.simulateStep(ctx, client, p, &p.Steps[i])
		if !sim.Skipped {
			if sim.Success {
				res.TotalGasEstimate += sim.GasEstimate
			} else {
				res.Success = false
			}
		}
		res.Steps = append(res.Steps, sim)
	}
	return res, nil
}

func (s *Simulator) simulateStep(ctx context.Context, client *chainrpc.Client, p *plan.Plan, step *plan.Step) StepSimulation {
	sim := StepSimulation{StepID: step.ID, Kind: step.Kind()}
	if step.IsWait() {
		sim.Skipped = true
		sim.Success = true
		return sim
	}

	req, err := s.builder.BuildTx(p.Chain, step, p.Account)
	if err != nil {
		sim.Error = fmt.Sprintf("failed to build transaction: %v", err)
		return sim
	}
	msg := ethereum.CallMsg{From: p.Account, To: &req.To, Data: req.Data, Value: req.Value}

	if _, err := client.CallContract(ctx, msg, nil, chainrpc.NoCache()); err != nil {
		sim.RevertReason = DecodeRevertReason(err)
		sim.Error = err.Error()
		return sim
	}
	gas, err := client.EstimateGas(ctx, msg, chainrpc.NoCache())
	if err != nil {
		sim.RevertReason = DecodeRevertReason(err)
		sim.Error = err.Error()
		return sim
	}
	sim.Success = true
	sim.GasEstimate = gas
	return sim
}

var knownReasons = []struct {
	substr string
	reason string
}{
	{"insufficient funds", "insufficient native balance for value and gas"},
	{"exceeds balance", "insufficient token balance"},
	{"insufficient balance", "insufficient token balance"},
	{"allowance", "insufficient token allowance, an approve step is required"},
}

// DecodeRevertReason turns a call error into a best effort human readable reason.
func DecodeRevertReason(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := unpackRevertData(dataErr.ErrorData()); ok {
			message = reason
		}
	}

	lower := strings.ToLower(message)
	for _, known := range knownReasons {
		if strings.Contains(lower, known.substr) {
			return known.reason
		}
	}
	return strings.TrimPrefix(message, "execution reverted: ")
}

func unpackRevertData(data interface{}) (string, bool) {
	var raw []byte
	switch v := data.(type) {
	case string:
		decoded, err := hexutil.Decode(v)
		if err != nil {
			return "", false
		}
		raw = decoded
	case []byte:
		raw = v
	default:
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", false
	}
	return reason, true
}
