package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownSignatureRequest = errors.New("unknown signature request")
	ErrSignatureNotPending     = errors.New("signature request is no longer pending")
	ErrSignatureExpired        = errors.New("signature request expired")
	ErrSignatureRejected       = errors.New("signature request rejected")
	ErrSignatureTimeout        = errors.New("timed out waiting for signature")
	ErrSignedTxMismatch        = errors.New("signed transaction does not match the request")
)

const signatureRequestRetention = time.Hour

type SignatureStatus string

const (
	SignaturePending   SignatureStatus = "pending"
	SignatureSubmitted SignatureStatus = "submitted"
	SignatureRejected  SignatureStatus = "rejected"
	SignatureExpired   SignatureStatus = "expired"
)

type SignatureRequest struct {
	ID        string             `json:"id"`
	Tx        *TransactionToSign `json:"tx"`
	Status    SignatureStatus    `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
	TxHash    *common.Hash       `json:"txHash,omitempty"`
	Reason    string             `json:"reason,omitempty"`

	done chan struct{}
}

// SignatureQueue holds transactions waiting for an external signer.
// A request leaves pending exactly once and is never resurrected.
type SignatureQueue struct {
	log         *zap.Logger
	broadcaster *Broadcaster
	events      *EventBus

	mu       sync.Mutex
	requests map[string]*SignatureRequest
	now      func() time.Time
}

func NewSignatureQueue(log *zap.Logger, broadcaster *Broadcaster, events *EventBus) *SignatureQueue {
	return &SignatureQueue{
		log:         log.Named("signatures"),
		broadcaster: broadcaster,
		events:      events,
		requests:    make(map[string]*SignatureRequest),
		now:         time.Now,
	}
}

func (q *SignatureQueue) CreateSignatureRequest(tx *TransactionToSign, timeout time.Duration) SignatureRequest {
	q.mu.Lock()
	now := q.now()
	q.pruneLocked(now)
	req := &SignatureRequest{
		ID:        uuid.New().String(),
		Tx:        tx,
		Status:    SignaturePending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		done:      make(chan struct{}),
	}
	q.requests[req.ID] = req
	snapshot := *req
	q.mu.Unlock()

	metrics.IncSignatureRequest(string(SignaturePending))
	q.events.Publish(Event{Type: EventSignatureRequested, PlanID: tx.PlanID, StepID: tx.StepID, RequestID: req.ID})
	return snapshot
}

func (q *SignatureQueue) pruneLocked(now time.Time) {
	for id, req := range q.requests {
		if req.Status != SignaturePending && now.Sub(req.ExpiresAt) > signatureRequestRetention {
			delete(q.requests, id)
		}
	}
}

// resolveLocked moves a pending request to a terminal status. It returns false if the request already left pending.
func (q *SignatureQueue) resolveLocked(req *SignatureRequest, status SignatureStatus) bool {
	if req.Status != SignaturePending {
		return false
	}
	req.Status = status
	close(req.done)
	metrics.IncSignatureRequest(string(status))
	return true
}

func (q *SignatureQueue) GetSignatureRequest(id string) (SignatureRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return SignatureRequest{}, ErrUnknownSignatureRequest
	}
	return *req, nil
}

// GetPendingSignatureRequests returns pending requests that have not expired, oldest first.
func (q *SignatureQueue) GetPendingSignatureRequests() []SignatureRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := make([]SignatureRequest, 0)
	for _, req := range q.requests {
		if req.Status == SignaturePending && now.Before(req.ExpiresAt) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SubmitSignedTransaction validates a signed transaction against its pending request and broadcasts it.
// A broadcast failure leaves the request pending so the signer can resubmit.
func (q *SignatureQueue) SubmitSignedTransaction(ctx context.Context, id string, signed *types.Transaction) (common.Hash, error) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return common.Hash{}, ErrUnknownSignatureRequest
	}
	if req.Status != SignaturePending {
		q.mu.Unlock()
		return common.Hash{}, fmt.Errorf("%w: %s", ErrSignatureNotPending, req.Status)
	}
	if !q.now().Before(req.ExpiresAt) {
		q.resolveLocked(req, SignatureExpired)
		q.mu.Unlock()
		q.events.Publish(Event{Type: EventSignatureExpired, PlanID: req.Tx.PlanID, StepID: req.Tx.StepID, RequestID: id})
		return common.Hash{}, ErrSignatureExpired
	}
	tx := req.Tx
	q.mu.Unlock()

	if err := matchSigned(tx, signed); err != nil {
		return common.Hash{}, err
	}
	hash, err := q.broadcaster.Broadcast(ctx, tx.Chain, signed, tx.Private)
	if err != nil {
		q.log.Warn("Failed to broadcast externally signed transaction", zap.String("request", id), zap.Error(err))
		return common.Hash{}, err
	}

	q.mu.Lock()
	if !q.resolveLocked(req, SignatureSubmitted) {
		// expired while broadcasting, the transaction is out regardless
		status := req.Status
		q.mu.Unlock()
		q.log.Warn("Signature request resolved during broadcast", zap.String("request", id), zap.String("status", string(status)))
		return hash, fmt.Errorf("%w: %s", ErrSignatureNotPending, status)
	}
	req.TxHash = &hash
	q.mu.Unlock()

	q.events.Publish(Event{Type: EventSignatureSubmitted, PlanID: tx.PlanID, StepID: tx.StepID, RequestID: id, TxHash: &hash})
	return hash, nil
}

func matchSigned(want *TransactionToSign, signed *types.Transaction) error {
	if signed.Nonce() != want.Nonce {
		return fmt.Errorf("%w: nonce %d, want %d", ErrSignedTxMismatch, signed.Nonce(), want.Nonce)
	}
	if signed.To() == nil || *signed.To() != want.To {
		return fmt.Errorf("%w: recipient", ErrSignedTxMismatch)
	}
	if want.ChainID != nil && signed.ChainId().Cmp(want.ChainID) != 0 {
		return fmt.Errorf("%w: chain id %s", ErrSignedTxMismatch, signed.ChainId())
	}
	from, err := types.Sender(types.LatestSignerForChainID(signed.ChainId()), signed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignedTxMismatch, err)
	}
	if from != want.From {
		return fmt.Errorf("%w: signed by %s", ErrSignedTxMismatch, from.Hex())
	}
	return nil
}

func (q *SignatureQueue) RejectSignatureRequest(id, reason string) error {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownSignatureRequest
	}
	if !q.resolveLocked(req, SignatureRejected) {
		status := req.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSignatureNotPending, status)
	}
	req.Reason = reason
	tx := req.Tx
	q.mu.Unlock()

	q.events.Publish(Event{Type: EventSignatureRejected, PlanID: tx.PlanID, StepID: tx.StepID, RequestID: id, Error: reason})
	return nil
}

// expire marks the request expired unless it was resolved in the meantime.
func (q *SignatureQueue) expire(id string) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok || !q.resolveLocked(req, SignatureExpired) {
		q.mu.Unlock()
		return
	}
	tx := req.Tx
	q.mu.Unlock()
	q.events.Publish(Event{Type: EventSignatureExpired, PlanID: tx.PlanID, StepID: tx.StepID, RequestID: id})
}

// Wait blocks until the request leaves pending, it expires or ctx is done.
func (q *SignatureQueue) Wait(ctx context.Context, id string) (SignatureRequest, error) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return SignatureRequest{}, ErrUnknownSignatureRequest
	}
	done := req.done
	wait := req.ExpiresAt.Sub(q.now())
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		q.expire(id)
	case <-ctx.Done():
		return SignatureRequest{}, ctx.Err()
	}
	return q.GetSignatureRequest(id)
}
