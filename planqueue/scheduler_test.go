package planqueue

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/executor"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pushedItem struct {
	data         []byte
	highPriority bool
}

type memoryQueue struct {
	mu    sync.Mutex
	items []pushedItem
}

func (q *memoryQueue) Push(ctx context.Context, data []byte, highPriority bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, pushedItem{data: data, highPriority: highPriority})
	return nil
}

func (q *memoryQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	return &sync.WaitGroup{}
}

type fakeSigner struct{}

func (fakeSigner) Sign(ctx context.Context, tx *executor.TransactionToSign) (executor.SignResult, error) {
	return executor.SignResult{}, nil
}

type fakeRunner struct {
	executing map[string]bool
	ran       []*plan.Plan
}

func (r *fakeRunner) ExecutePlan(ctx context.Context, p *plan.Plan, signer executor.Signer) *executor.ExecutionResult {
	r.ran = append(r.ran, p)
	return &executor.ExecutionResult{PlanID: p.ID, Status: executor.StatusCompleted, CompletedSteps: len(p.Steps)}
}

func (r *fakeRunner) IsExecuting(planID string) bool { return r.executing[planID] }

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func testPlan() *plan.Plan {
	return &plan.Plan{
		ID:          "queued",
		Chain:       "testnet",
		Account:     testAccount,
		FailureMode: plan.FailureModeAbort,
		Steps: []plan.Step{{ID: "send", Params: plan.TransferParams{
			Token:  "ETH",
			To:     common.HexToAddress("0xb1"),
			Amount: big.NewInt(1),
		}}},
	}
}

func TestSchedulerProcessorRoundTrip(t *testing.T) {
	queue := &memoryQueue{}
	scheduler := NewScheduler(queue)
	require.NoError(t, scheduler.SchedulePlan(context.Background(), testPlan(), true))
	require.Len(t, queue.items, 1)
	require.True(t, queue.items[0].highPriority)

	runner := &fakeRunner{}
	processor := NewProcessor(zap.NewNop(), runner, func(account common.Address) executor.Signer {
		if account == testAccount {
			return fakeSigner{}
		}
		return nil
	})
	require.NoError(t, processor.Process(context.Background(), queue.items[0].data))
	require.Len(t, runner.ran, 1)
	require.Equal(t, "queued", runner.ran[0].ID)
	require.Equal(t, testAccount, runner.ran[0].Account)
	require.Equal(t, plan.KindTransfer, runner.ran[0].Steps[0].Kind())
}

func TestProcessorErrors(t *testing.T) {
	valid, err := json.Marshal(testPlan())
	require.NoError(t, err)
	empty := testPlan()
	empty.Steps = nil
	invalid, err := json.Marshal(empty)
	require.NoError(t, err)

	tests := []struct {
		name      string
		data      []byte
		executing bool
		noSigner  bool
		wantErr   error
	}{
		{name: "garbage", data: []byte("not json"), wantErr: ErrProcessUnrecoverable},
		{name: "invalid plan", data: invalid, wantErr: ErrProcessUnrecoverable},
		{name: "already running", data: valid, executing: true, wantErr: ErrProcessWorkerError},
		{name: "no signer", data: valid, noSigner: true, wantErr: ErrProcessUnrecoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{executing: map[string]bool{"queued": tt.executing}}
			processor := NewProcessor(zap.NewNop(), runner, func(account common.Address) executor.Signer {
				if tt.noSigner {
					return nil
				}
				return fakeSigner{}
			})
			err := processor.Process(context.Background(), tt.data)
			require.ErrorIs(t, err, tt.wantErr)
			require.Empty(t, runner.ran)
		})
	}
}
