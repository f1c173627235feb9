package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (env *testEnv) pendingRequest(t *testing.T) SignatureRequest {
	t.Helper()
	var pending []SignatureRequest
	require.Eventually(t, func() bool {
		pending = env.engine.Signatures().GetPendingSignatureRequests()
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func TestDelegatedSignerTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	signer := NewDelegatedSigner(env.engine.Signatures(), 50*time.Millisecond)

	res := env.engine.ExecutePlan(context.Background(), env.plan("timeout", plan.FailureModeAbort, transferStep("send")), signer)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 1, res.FailedSteps)
	require.Equal(t, 1, res.Steps[0].Attempts)
	require.Contains(t, res.Steps[0].Error, ErrSignatureTimeout.Error())
	require.Empty(t, env.backend.Sent())
	require.Equal(t, 0, env.nonces.Outstanding(testChain, env.account))

	q := env.engine.Signatures()
	require.Empty(t, q.GetPendingSignatureRequests())
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.requests, 1)
	for _, req := range q.requests {
		require.Equal(t, SignatureExpired, req.Status)
	}
}

func TestDelegatedSignerSubmit(t *testing.T) {
	env := newTestEnv(t, nil)
	signer := NewDelegatedSigner(env.engine.Signatures(), 5*time.Second)
	events, unsubscribe := env.engine.Events().Subscribe(64)
	defer unsubscribe()

	done := make(chan *ExecutionResult, 1)
	p := env.plan("delegated", plan.FailureModeAbort, transferStep("send"))
	go func() { done <- env.engine.ExecutePlan(context.Background(), p, signer) }()

	req := env.pendingRequest(t)
	require.Equal(t, "delegated", req.Tx.PlanID)
	require.Equal(t, "send", req.Tx.StepID)
	require.Equal(t, env.account, req.Tx.From)
	require.Equal(t, testRecipient, req.Tx.To)

	state, err := env.engine.GetExecutionState("delegated")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingSignature, state.Status)

	signed, err := signWithKey(env.key, req.Tx)
	require.NoError(t, err)
	hash, err := env.engine.Signatures().SubmitSignedTransaction(context.Background(), req.ID, signed)
	require.NoError(t, err)
	require.Equal(t, signed.Hash(), hash)

	res := waitResult(t, done)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []common.Hash{hash}, res.TxHashes)

	stored, err := env.engine.Signatures().GetSignatureRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, SignatureSubmitted, stored.Status)
	require.Equal(t, hash, *stored.TxHash)

	types := eventTypes(collect(events))
	require.Contains(t, types, EventSignatureRequested)
	require.Contains(t, types, EventSignatureSubmitted)
}

func TestDelegatedSignerReject(t *testing.T) {
	env := newTestEnv(t, nil)
	signer := NewDelegatedSigner(env.engine.Signatures(), 5*time.Second)

	done := make(chan *ExecutionResult, 1)
	go func() {
		done <- env.engine.ExecutePlan(context.Background(), env.plan("reject", plan.FailureModeAbort, transferStep("send")), signer)
	}()

	req := env.pendingRequest(t)
	require.NoError(t, env.engine.Signatures().RejectSignatureRequest(req.ID, "user declined"))
	require.ErrorIs(t, env.engine.Signatures().RejectSignatureRequest(req.ID, "again"), ErrSignatureNotPending)

	res := waitResult(t, done)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 1, res.Steps[0].Attempts)
	require.Contains(t, res.Steps[0].Error, "user declined")
	require.Empty(t, env.backend.Sent())
}

func TestSignatureQueueSubmitChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	q := NewSignatureQueue(zap.NewNop(), env.broadcaster, NewEventBus())

	tx := &TransactionToSign{
		Chain:     testChain,
		ChainID:   big.NewInt(1337),
		From:      env.account,
		To:        testRecipient,
		Value:     big.NewInt(1),
		Nonce:     4,
		Gas:       21_000,
		GasFeeCap: big.NewInt(2_000_000_000),
		GasTipCap: big.NewInt(1_000_000_000),
	}
	req := q.CreateSignatureRequest(tx, time.Minute)
	require.Equal(t, SignaturePending, req.Status)

	_, err := q.SubmitSignedTransaction(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrUnknownSignatureRequest)

	wrongNonce := *tx
	wrongNonce.Nonce = 5
	signed, err := signWithKey(env.key, &wrongNonce)
	require.NoError(t, err)
	_, err = q.SubmitSignedTransaction(context.Background(), req.ID, signed)
	require.ErrorIs(t, err, ErrSignedTxMismatch)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	signed, err = signWithKey(otherKey, tx)
	require.NoError(t, err)
	_, err = q.SubmitSignedTransaction(context.Background(), req.ID, signed)
	require.ErrorIs(t, err, ErrSignedTxMismatch)

	// mismatches leave the request open
	require.Len(t, q.GetPendingSignatureRequests(), 1)

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.Empty(t, q.GetPendingSignatureRequests())
	signed, err = signWithKey(env.key, tx)
	require.NoError(t, err)
	_, err = q.SubmitSignedTransaction(context.Background(), req.ID, signed)
	require.ErrorIs(t, err, ErrSignatureExpired)

	stored, err := q.GetSignatureRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, SignatureExpired, stored.Status)
	require.Empty(t, env.backend.Sent())
}

func TestSignatureQueueWaitContext(t *testing.T) {
	q := NewSignatureQueue(zap.NewNop(), nil, NewEventBus())
	req := q.CreateSignatureRequest(&TransactionToSign{Chain: testChain}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Wait(ctx, req.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Wait(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownSignatureRequest)
}
