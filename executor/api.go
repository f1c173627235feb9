package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/tx-plan-executor/jsonrpcserver"
	"github.com/flashbots/tx-plan-executor/metrics"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/flashbots/tx-plan-executor/safety"
	"go.uber.org/zap"
)

const (
	SubmitPlanEndpointName                  = "executor_submitPlan"
	ValidatePlanEndpointName                = "executor_validatePlan"
	SimulatePlanEndpointName                = "executor_simulatePlan"
	PreflightPlanEndpointName               = "executor_preflightPlan"
	GetExecutionStateEndpointName           = "executor_getExecutionState"
	GetExecutionResultEndpointName          = "executor_getExecutionResult"
	PauseExecutionEndpointName              = "executor_pauseExecution"
	SpeedUpTransactionEndpointName          = "executor_speedUpTransaction"
	CancelTransactionEndpointName           = "executor_cancelTransaction"
	GetPendingSignatureRequestsEndpointName = "executor_getPendingSignatureRequests"
	SubmitSignedTransactionEndpointName     = "executor_submitSignedTransaction"
	RejectSignatureRequestEndpointName      = "executor_rejectSignatureRequest"
)

var (
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrHistoryUnavailable   = errors.New("execution history is not configured")
	ErrInternalServiceError = errors.New("executor service error")
	ErrPlanAlreadySubmitted = errors.New("plan was already submitted")
)

// PlanScheduler hands accepted plans to the workers, planqueue implements it.
type PlanScheduler interface {
	SchedulePlan(ctx context.Context, p *plan.Plan, highPriority bool) error
}

// HistoryReader loads finished executions, DBBackend implements it.
type HistoryReader interface {
	GetExecutionResult(ctx context.Context, planID string) (*ExecutionResult, error)
}

// SubmissionGuard deduplicates plan ids across API nodes.
type SubmissionGuard interface {
	MarkSubmitted(ctx context.Context, planID string) (bool, error)
	Forget(ctx context.Context, planID string) error
}

type SubmitPlanResponse struct {
	PlanID  string         `json:"planId"`
	Account common.Address `json:"account"`
	Issues  []safety.Issue `json:"issues"`
}

type ReplaceTransactionArgs struct {
	TxHash     common.Hash `json:"txHash"`
	Chain      string      `json:"chain"`
	Multiplier float64     `json:"multiplier,omitempty"`
}

type SubmitSignedTransactionArgs struct {
	RequestID string        `json:"requestId"`
	SignedTx  hexutil.Bytes `json:"signedTx"`
}

type RejectSignatureRequestArgs struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type API struct {
	log *zap.Logger

	engine    *Engine
	simulator *safety.Simulator
	scheduler PlanScheduler
	history   HistoryReader

	// Submissions is optional, without it duplicate ids are only caught by the running engine
	Submissions SubmissionGuard
}

// NewAPI exposes the engine over JSON-RPC. history may be nil.
func NewAPI(log *zap.Logger, engine *Engine, simulator *safety.Simulator, scheduler PlanScheduler, history HistoryReader) *API {
	return &API{
		log:       log.Named("api"),
		engine:    engine,
		simulator: simulator,
		scheduler: scheduler,
		history:   history,
	}
}

func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		SubmitPlanEndpointName:                  a.SubmitPlan,
		ValidatePlanEndpointName:                a.ValidatePlan,
		SimulatePlanEndpointName:                a.SimulatePlan,
		PreflightPlanEndpointName:               a.PreflightPlan,
		GetExecutionStateEndpointName:           a.GetExecutionState,
		GetExecutionResultEndpointName:          a.GetExecutionResult,
		PauseExecutionEndpointName:              a.PauseExecution,
		SpeedUpTransactionEndpointName:          a.SpeedUpTransaction,
		CancelTransactionEndpointName:           a.CancelTransaction,
		GetPendingSignatureRequestsEndpointName: a.GetPendingSignatureRequests,
		SubmitSignedTransactionEndpointName:     a.SubmitSignedTransaction,
		RejectSignatureRequestEndpointName:      a.RejectSignatureRequest,
	}
}

func observe(method string, startAt time.Time, err error) {
	metrics.RecordAPICallDuration(method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncAPICallFailure(method)
	}
}

// prepare fills the acting account from the request headers and checks the plan shape.
func (a *API) prepare(ctx context.Context, p *plan.Plan) error {
	if p.Account == (common.Address{}) {
		p.Account = jsonrpcserver.GetAccount(ctx)
	}
	if err := p.Validate(); err != nil {
		return jsonrpcserver.WithCode(fmt.Errorf("%w: %v", ErrInvalidPlan, err), jsonrpcserver.CodeInvalidParams)
	}
	return nil
}

func issueMessages(issues []safety.Issue) string {
	var msgs []string
	for _, issue := range issues {
		if issue.Severity != safety.SeverityError {
			continue
		}
		if issue.StepID != "" {
			msgs = append(msgs, issue.StepID+": "+issue.Message)
		} else {
			msgs = append(msgs, issue.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// SubmitPlan validates p and queues it for execution. The high_prio header raises its queue priority.
func (a *API) SubmitPlan(ctx context.Context, p plan.Plan) (_ SubmitPlanResponse, err error) {
	defer func(startAt time.Time) { observe(SubmitPlanEndpointName, startAt, err) }(time.Now())
	metrics.IncPlansReceived()

	if err := a.prepare(ctx, &p); err != nil {
		return SubmitPlanResponse{}, err
	}
	p.EnsureID(time.Now())
	logger := a.log.With(zap.String("plan", p.ID), zap.String("origin", jsonrpcserver.GetOrigin(ctx)))

	validation := a.simulator.ValidatePlan(ctx, &p)
	if !validation.Valid {
		logger.Debug("Rejected invalid plan", zap.Int("issues", len(validation.Issues)))
		return SubmitPlanResponse{}, jsonrpcserver.WithCode(
			fmt.Errorf("%w: %s", ErrInvalidPlan, issueMessages(validation.Issues)), jsonrpcserver.CodeInvalidParams)
	}
	metrics.IncPlansReceivedValid()

	if a.Submissions != nil {
		fresh, err := a.Submissions.MarkSubmitted(ctx, p.ID)
		if err != nil {
			logger.Warn("Failed to record plan submission", zap.Error(err))
		} else if !fresh {
			return SubmitPlanResponse{}, jsonrpcserver.WithCode(fmt.Errorf("%w: %s", ErrPlanAlreadySubmitted, p.ID), jsonrpcserver.CodeInvalidRequest)
		}
	}
	if err := a.scheduler.SchedulePlan(ctx, &p, jsonrpcserver.GetPriority(ctx)); err != nil {
		logger.Error("Failed to schedule plan", zap.Error(err))
		if a.Submissions != nil {
			if err := a.Submissions.Forget(ctx, p.ID); err != nil {
				logger.Warn("Failed to forget plan submission", zap.Error(err))
			}
		}
		return SubmitPlanResponse{}, err
	}
	logger.Info("Plan accepted", zap.Int("steps", len(p.Steps)))
	return SubmitPlanResponse{PlanID: p.ID, Account: p.Account, Issues: validation.Issues}, nil
}

func (a *API) ValidatePlan(ctx context.Context, p plan.Plan) (_ *safety.ValidationResult, err error) {
	defer func(startAt time.Time) { observe(ValidatePlanEndpointName, startAt, err) }(time.Now())
	if err := a.prepare(ctx, &p); err != nil {
		return nil, err
	}
	return a.simulator.ValidatePlan(ctx, &p), nil
}

func (a *API) SimulatePlan(ctx context.Context, p plan.Plan) (_ *safety.SimulationResult, err error) {
	defer func(startAt time.Time) { observe(SimulatePlanEndpointName, startAt, err) }(time.Now())
	if err := a.prepare(ctx, &p); err != nil {
		return nil, err
	}
	return a.simulator.SimulatePlan(ctx, &p)
}

func (a *API) PreflightPlan(ctx context.Context, p plan.Plan) (_ *PreflightResult, err error) {
	defer func(startAt time.Time) { observe(PreflightPlanEndpointName, startAt, err) }(time.Now())
	if err := a.prepare(ctx, &p); err != nil {
		return nil, err
	}
	return a.engine.ValidateBeforeExecution(ctx, &p)
}

func (a *API) GetExecutionState(ctx context.Context, planID string) (*ExecutionState, error) {
	return a.engine.GetExecutionState(planID)
}

func (a *API) GetExecutionResult(ctx context.Context, planID string) (*ExecutionResult, error) {
	if a.history == nil {
		return nil, ErrHistoryUnavailable
	}
	res, err := a.history.GetExecutionResult(ctx, planID)
	if err != nil && !errors.Is(err, ErrExecutionNotFound) {
		a.log.Error("Failed to load execution history", zap.String("plan", planID), zap.Error(err))
		return nil, ErrInternalServiceError
	}
	return res, err
}

func (a *API) PauseExecution(ctx context.Context, planID string) (bool, error) {
	if err := a.engine.PauseExecution(planID); err != nil {
		return false, err
	}
	return true, nil
}

// SpeedUpTransaction reports refused replacements in the result rather than as an error.
func (a *API) SpeedUpTransaction(ctx context.Context, args ReplaceTransactionArgs) (_ *ReplacementResult, err error) {
	defer func(startAt time.Time) { observe(SpeedUpTransactionEndpointName, startAt, err) }(time.Now())
	res, replaceErr := a.engine.SpeedUpTransaction(ctx, args.TxHash, args.Chain, args.Multiplier)
	if replaceErr != nil {
		a.log.Debug("Speed up refused", zap.String("tx", args.TxHash.Hex()), zap.Error(replaceErr))
	}
	return res, nil
}

func (a *API) CancelTransaction(ctx context.Context, args ReplaceTransactionArgs) (_ *ReplacementResult, err error) {
	defer func(startAt time.Time) { observe(CancelTransactionEndpointName, startAt, err) }(time.Now())
	res, replaceErr := a.engine.CancelTransaction(ctx, args.TxHash, args.Chain, args.Multiplier)
	if replaceErr != nil {
		a.log.Debug("Cancel refused", zap.String("tx", args.TxHash.Hex()), zap.Error(replaceErr))
	}
	return res, nil
}

func (a *API) GetPendingSignatureRequests(ctx context.Context) ([]SignatureRequest, error) {
	return a.engine.Signatures().GetPendingSignatureRequests(), nil
}

// SubmitSignedTransaction accepts the raw signed transaction answering a signature request.
func (a *API) SubmitSignedTransaction(ctx context.Context, args SubmitSignedTransactionArgs) (_ common.Hash, err error) {
	defer func(startAt time.Time) { observe(SubmitSignedTransactionEndpointName, startAt, err) }(time.Now())
	var tx types.Transaction
	if err := tx.UnmarshalBinary(args.SignedTx); err != nil {
		return common.Hash{}, jsonrpcserver.WithCode(fmt.Errorf("invalid signed transaction: %w", err), jsonrpcserver.CodeInvalidParams)
	}
	return a.engine.Signatures().SubmitSignedTransaction(ctx, args.RequestID, &tx)
}

func (a *API) RejectSignatureRequest(ctx context.Context, args RejectSignatureRequestArgs) (bool, error) {
	if err := a.engine.Signatures().RejectSignatureRequest(args.RequestID, args.Reason); err != nil {
		return false, err
	}
	return true, nil
}
