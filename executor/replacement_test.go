package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/chainrpc/chainrpctest"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/stretchr/testify/require"
)

// startPending runs p in the background with mining disabled and returns its first broadcast transaction.
func startPending(t *testing.T, env *testEnv, p *plan.Plan) (*types.Transaction, <-chan *ExecutionResult) {
	t.Helper()
	env.backend.AutoMine = false
	done := make(chan *ExecutionResult, 1)
	go func() { done <- env.engine.ExecutePlan(context.Background(), p, env.signer) }()
	require.Eventually(t, func() bool { return len(env.backend.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return env.backend.Sent()[0], done
}

func waitResult(t *testing.T, done <-chan *ExecutionResult) *ExecutionResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("plan did not finish")
		return nil
	}
}

func TestSpeedUpMinedTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.engine.ExecutePlan(context.Background(), env.plan("mined", plan.FailureModeAbort, transferStep("send")), env.signer)
	require.Equal(t, StatusCompleted, res.Status)
	sent := len(env.backend.Sent())

	replacement, err := env.engine.SpeedUpTransaction(context.Background(), res.TxHashes[0], testChain, 0)
	require.ErrorIs(t, err, ErrAlreadyMined)
	require.NotNil(t, replacement)
	require.False(t, replacement.Success)
	require.Equal(t, res.TxHashes[0], replacement.OriginalHash)
	require.NotEmpty(t, replacement.Error)
	require.Len(t, env.backend.Sent(), sent)
}

func TestReplacementRefusals(t *testing.T) {
	env := newTestEnv(t, nil)
	unknown := common.HexToHash("0x1234")

	res, err := env.engine.SpeedUpTransaction(context.Background(), unknown, testChain, 0)
	require.ErrorIs(t, err, ErrUnknownTransaction)
	require.False(t, res.Success)

	res, err = env.engine.CancelTransaction(context.Background(), unknown, testChain, 1.05)
	require.ErrorIs(t, err, ErrInvalidMultiplier)
	require.False(t, res.Success)
}

func TestSpeedUpPendingTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	original, done := startPending(t, env, env.plan("speedup", plan.FailureModeAbort, transferStep("send")))

	res, err := env.engine.SpeedUpTransaction(context.Background(), original.Hash(), testChain, 0)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, original.Hash(), res.OriginalHash)
	require.NotEqual(t, original.Hash(), res.NewHash)
	require.Equal(t, original.Nonce(), res.Nonce)

	sent := env.backend.Sent()
	require.Len(t, sent, 2)
	replacement := sent[1]
	require.Equal(t, res.NewHash, replacement.Hash())
	require.Equal(t, original.Nonce(), replacement.Nonce())
	require.Equal(t, original.To(), replacement.To())
	wantFeeCap := new(big.Int).Div(new(big.Int).Mul(original.GasFeeCap(), big.NewInt(1500)), big.NewInt(1000))
	require.Equal(t, 0, wantFeeCap.Cmp(replacement.GasFeeCap()))

	_, err = env.engine.SpeedUpTransaction(context.Background(), original.Hash(), testChain, 0)
	require.ErrorIs(t, err, ErrAlreadyReplaced)

	env.backend.Mine(replacement.Hash())
	result := waitResult(t, done)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, []common.Hash{replacement.Hash()}, result.TxHashes)
}

func TestCancelPendingTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	original, done := startPending(t, env, env.plan("cancel", plan.FailureModeAbort, swapStep("swap"), transferStep("send")))

	res, err := env.engine.CancelTransaction(context.Background(), original.Hash(), testChain, 0)
	require.NoError(t, err)
	require.True(t, res.Success)

	sent := env.backend.Sent()
	require.Len(t, sent, 2)
	cancel := sent[1]
	require.Equal(t, env.account, *cancel.To())
	require.Zero(t, cancel.Value().Sign())
	require.Empty(t, cancel.Data())
	require.Equal(t, uint64(transferGas), cancel.Gas())
	require.Equal(t, original.Nonce(), cancel.Nonce())

	env.backend.Mine(cancel.Hash())
	result := waitResult(t, done)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, 1, result.FailedSteps)
	require.Equal(t, 1, result.Steps[0].Attempts)
	require.Contains(t, result.Steps[0].Error, ErrTransactionCanceled.Error())
	require.Len(t, env.backend.Sent(), 2)
	require.Equal(t, 0, env.nonces.Outstanding(testChain, env.account))
}

func TestSpeedUpFailedSubmitKeepsNonce(t *testing.T) {
	env := newTestEnv(t, nil)
	original, done := startPending(t, env, env.plan("held", plan.FailureModeAbort, transferStep("send")))
	ctx := context.Background()

	env.backend.Fail = func(method string) error {
		if method == "SendTransaction" {
			return &chainrpctest.TxPoolError{Message: "replacement transaction underpriced"}
		}
		return nil
	}
	res, err := env.engine.SpeedUpTransaction(ctx, original.Hash(), testChain, 0)
	require.Error(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "underpriced")

	// the original still holds its nonce, a concurrent step gets the next one
	require.Equal(t, 1, env.nonces.Outstanding(testChain, env.account))
	next, err := env.nonces.NextNonce(ctx, testChain, env.account)
	require.NoError(t, err)
	require.Equal(t, original.Nonce()+1, next)
	require.NoError(t, env.nonces.ReleaseNonce(ctx, testChain, env.account, next))

	env.backend.Fail = nil
	env.backend.Mine(original.Hash())
	result := waitResult(t, done)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, []common.Hash{original.Hash()}, result.TxHashes)
	require.Equal(t, 0, env.nonces.Outstanding(testChain, env.account))
}

func TestSentTransactionsExpire(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SentRetention = 50 * time.Millisecond })
	res := env.engine.ExecutePlan(context.Background(), env.plan("expire", plan.FailureModeAbort, transferStep("send")), env.signer)
	require.Equal(t, StatusCompleted, res.Status)

	_, err := env.engine.SpeedUpTransaction(context.Background(), res.TxHashes[0], testChain, 0)
	require.ErrorIs(t, err, ErrAlreadyMined)
	require.Eventually(t, func() bool {
		_, err := env.engine.SpeedUpTransaction(context.Background(), res.TxHashes[0], testChain, 0)
		return errors.Is(err, ErrUnknownTransaction)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScaleFee(t *testing.T) {
	require.Nil(t, scaleFee(nil, 1.5))
	require.Zero(t, big.NewInt(150).Cmp(scaleFee(big.NewInt(100), 1.5)))
	require.Zero(t, big.NewInt(200).Cmp(scaleFee(big.NewInt(100), 2)))
	// always strictly higher
	require.Zero(t, big.NewInt(2).Cmp(scaleFee(big.NewInt(1), 1.1)))
}
