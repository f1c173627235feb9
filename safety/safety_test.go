package safety

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/chainrpc/chainrpctest"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	account = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdc    = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	router  = common.HexToAddress("0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
	vault   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeBuilder struct {
	errs map[string]error
}

func (b fakeBuilder) BuildTx(chain string, step *plan.Step, from common.Address) (*plan.TxRequest, error) {
	if err, ok := b.errs[step.ID]; ok {
		return nil, err
	}
	to := router
	switch p := step.Params.(type) {
	case plan.DepositParams:
		to = p.Vault
	case plan.ApproveParams:
		to = p.TokenAddress
	}
	return &plan.TxRequest{To: to, Data: []byte{0x01}, Value: new(big.Int), ChainID: big.NewInt(1337)}, nil
}

func newTestSimulator(backend *chainrpctest.Backend, builder plan.TxBuilder) *Simulator {
	pool := chainrpctest.NewPool(zap.NewNop(), backend, chainrpctest.FastConfig())
	return NewSimulator(zap.NewNop(), pool, builder)
}

func swapStep(id string, amount int64, deps ...string) plan.Step {
	return plan.Step{
		ID:        id,
		DependsOn: deps,
		Params: plan.SwapParams{
			TokenIn:        "USDC",
			TokenInAddress: usdc,
			TokenOut:       "WETH",
			AmountIn:       big.NewInt(amount),
			Router:         router,
		},
	}
}

func issuesWith(res *ValidationResult, severity Severity) []Issue {
	out := make([]Issue, 0)
	for _, issue := range res.Issues {
		if issue.Severity == severity {
			out = append(out, issue)
		}
	}
	return out
}

func TestValidatePlanBalances(t *testing.T) {
	backend := chainrpctest.NewBackend()
	backend.SetTokenBalance(usdc, account, big.NewInt(500))
	backend.SetBalance(account, big.NewInt(1000))
	sim := newTestSimulator(backend, fakeBuilder{})

	p := &plan.Plan{
		Chain:       chainrpctest.Chain.Name,
		Account:     account,
		FailureMode: plan.FailureModeAbort,
		Steps: []plan.Step{
			swapStep("enough", 400),
			swapStep("too-much", 600),
			{ID: "bridge-eth", Params: plan.BridgeParams{Token: "ETH", Amount: big.NewInt(2000), Bridge: router}},
			{ID: "pause", Params: plan.WaitParams{DurationSeconds: 30}},
		},
	}
	res := sim.ValidatePlan(context.Background(), p)
	require.False(t, res.Valid)

	errs := issuesWith(res, SeverityError)
	require.Len(t, errs, 2)
	require.Equal(t, "too-much", errs[0].StepID)
	require.Contains(t, errs[0].Message, "insufficient USDC balance")
	require.Equal(t, "bridge-eth", errs[1].StepID)
	require.Contains(t, errs[1].Message, "insufficient ETH balance")

	infos := issuesWith(res, SeverityInfo)
	require.Len(t, infos, 1)
	require.Equal(t, "pause", infos[0].StepID)
}

func TestValidatePlanUnverifiableBalance(t *testing.T) {
	backend := chainrpctest.NewBackend()
	backend.Fail = func(method string) error {
		if method == "CallContract" {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	sim := newTestSimulator(backend, fakeBuilder{})

	p := &plan.Plan{
		Chain:       chainrpctest.Chain.Name,
		Account:     account,
		FailureMode: plan.FailureModeAbort,
		Steps:       []plan.Step{swapStep("swap", 1)},
	}
	res := sim.ValidatePlan(context.Background(), p)
	require.True(t, res.Valid)
	require.Len(t, issuesWith(res, SeverityWarning), 1)
}

func TestValidatePlanStructure(t *testing.T) {
	backend := chainrpctest.NewBackend()
	backend.SetTokenBalance(usdc, account, big.NewInt(1000))
	sim := newTestSimulator(backend, fakeBuilder{})

	tests := []struct {
		name    string
		plan    plan.Plan
		wantMsg string
		stepID  string
	}{
		{
			name: "cycle",
			plan: plan.Plan{Steps: []plan.Step{
				swapStep("a", 1, "c"),
				swapStep("b", 1, "a"),
				swapStep("c", 1, "b"),
			}},
			wantMsg: "dependency cycle",
			stepID:  "a",
		},
		{
			name:    "self dependency",
			plan:    plan.Plan{Steps: []plan.Step{swapStep("a", 1, "a")}},
			wantMsg: "dependency cycle",
			stepID:  "a",
		},
		{
			name:    "unknown dependency",
			plan:    plan.Plan{Steps: []plan.Step{swapStep("a", 1, "missing")}},
			wantMsg: "unknown step",
			stepID:  "a",
		},
		{
			name:    "duplicate id",
			plan:    plan.Plan{Steps: []plan.Step{swapStep("a", 1), swapStep("a", 1)}},
			wantMsg: "duplicate step id",
			stepID:  "a",
		},
		{
			name: "deposit without token mapping",
			plan: plan.Plan{Steps: []plan.Step{
				{ID: "d", Params: plan.DepositParams{Token: "FOO", Vault: vault, Amount: big.NewInt(1)}},
			}},
			wantMsg: "no token address mapped",
			stepID:  "d",
		},
		{
			name:    "zero amount",
			plan:    plan.Plan{Steps: []plan.Step{swapStep("a", 0)}},
			wantMsg: "amount must be positive",
			stepID:  "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.plan
			p.Chain = chainrpctest.Chain.Name
			p.Account = account
			p.FailureMode = plan.FailureModeContinue

			res := sim.ValidatePlan(context.Background(), &p)
			require.False(t, res.Valid)
			errs := issuesWith(res, SeverityError)
			require.NotEmpty(t, errs)
			found := false
			for _, issue := range errs {
				if issue.StepID == tt.stepID && strings.Contains(issue.Message, tt.wantMsg) {
					found = true
				}
			}
			require.True(t, found, "issues: %v", res.Issues)
		})
	}
}

func TestValidatePlanAccountAndChain(t *testing.T) {
	sim := newTestSimulator(chainrpctest.NewBackend(), fakeBuilder{})
	res := sim.ValidatePlan(context.Background(), &plan.Plan{
		Chain: "nowhere",
		Steps: []plan.Step{{ID: "w", Params: plan.WaitParams{DurationSeconds: 1}}},
	})
	require.False(t, res.Valid)
	require.Len(t, issuesWith(res, SeverityError), 2)
}

func TestFindCyclesAcyclic(t *testing.T) {
	steps := []plan.Step{swapStep("a", 1), swapStep("b", 1, "a"), swapStep("c", 1, "a", "b")}
	require.Empty(t, findCycles(steps))
}

func TestSimulatePlan(t *testing.T) {
	backend := chainrpctest.NewBackend()
	backend.GasEstimate = 50_000
	backend.RevertOnCall(vault, "ERC20: transfer amount exceeds balance")
	errNoRoute := errors.New("no route")
	sim := newTestSimulator(backend, fakeBuilder{errs: map[string]error{"broken": errNoRoute}})

	p := &plan.Plan{
		Chain:       chainrpctest.Chain.Name,
		Account:     account,
		FailureMode: plan.FailureModeAbort,
		Steps: []plan.Step{
			swapStep("swap", 10),
			{ID: "wait", Params: plan.WaitParams{DurationSeconds: 5}},
			{ID: "deposit", Params: plan.DepositParams{Token: "USDC", TokenAddress: usdc, Vault: vault, Amount: big.NewInt(1)}},
			swapStep("broken", 10),
			swapStep("swap-2", 10),
		},
	}
	res, err := sim.SimulatePlan(context.Background(), p)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Len(t, res.Steps, 5)
	require.Equal(t, uint64(100_000), res.TotalGasEstimate)

	require.True(t, res.Steps[0].Success)
	require.True(t, res.Steps[1].Skipped)
	require.False(t, res.Steps[2].Success)
	require.Equal(t, "insufficient token balance", res.Steps[2].RevertReason)
	require.False(t, res.Steps[3].Success)
	require.Contains(t, res.Steps[3].Error, "no route")
	require.True(t, res.Steps[4].Success)

	// wait steps never fail a simulation
	ok, err := sim.SimulatePlan(context.Background(), &plan.Plan{
		Chain:   chainrpctest.Chain.Name,
		Account: account,
		Steps:   []plan.Step{swapStep("swap", 10), {ID: "wait", Params: plan.WaitParams{}}},
	})
	require.NoError(t, err)
	require.True(t, ok.Success)
	require.Equal(t, uint64(50_000), ok.TotalGasEstimate)
}

func TestDecodeRevertReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "abi encoded reason", err: &chainrpctest.RevertError{Reason: "Too little received"}, want: "Too little received"},
		{name: "allowance", err: &chainrpctest.RevertError{Reason: "ERC20: insufficient allowance"}, want: "insufficient token allowance, an approve step is required"},
		{name: "native funds", err: errors.New("insufficient funds for gas * price + value"), want: "insufficient native balance for value and gas"},
		{name: "raw", err: errors.New("execution reverted: custom"), want: "custom"},
		{name: "nil", err: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DecodeRevertReason(tt.err))
		})
	}
}
