package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/metrics"
	"github.com/flashbots/tx-plan-executor/nonce"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/flashbots/tx-plan-executor/slippage"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type Config struct {
	// MaxRetries is the number of attempts per step
	MaxRetries int
	RetryDelay time.Duration

	Confirmations uint64
	TxTimeout     time.Duration
	// PollInterval paces receipt polling
	PollInterval         time.Duration
	WaitProgressInterval time.Duration
	SignatureTimeout     time.Duration

	SpeedUpMultiplier float64
	CancelMultiplier  float64

	// DefaultGasLimit stands in for steps that declare no estimate
	DefaultGasLimit uint64
	// GasBufferPercent is added to the pre-flight gas cost
	GasBufferPercent uint64

	// StateRetention is how long finished plans stay queryable
	StateRetention time.Duration
	// SentRetention is how long broadcast transactions can be sped up or canceled
	SentRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		RetryDelay:           2 * time.Second,
		Confirmations:        1,
		TxTimeout:            120 * time.Second,
		PollInterval:         2 * time.Second,
		WaitProgressInterval: 5 * time.Second,
		SignatureTimeout:     300 * time.Second,
		SpeedUpMultiplier:    1.5,
		CancelMultiplier:     2.0,
		DefaultGasLimit:      200_000,
		GasBufferPercent:     20,
		StateRetention:       10 * time.Minute,
		SentRetention:        time.Hour,
	}
}

// SwapProtector attaches a minimum output bound to swap params, slippage.Protector implements it.
type SwapProtector interface {
	GetProtectedSwapParams(ctx context.Context, params plan.SwapParams, chain string, userTolerance *float64) (*slippage.ProtectedSwap, error)
}

type PriceOracle interface {
	GetGasPrice(ctx context.Context, chain string) (*big.Int, error)
	GetTokenPrice(ctx context.Context, symbol, chain string) (float64, error)
}

// HistoryStore persists finished executions.
type HistoryStore interface {
	SaveExecution(ctx context.Context, p *plan.Plan, res *ExecutionResult) error
}

// Deps are the collaborators of the engine. Protector, Prices and History are optional.
type Deps struct {
	Chains      ChainClients
	Builder     plan.TxBuilder
	Nonces      nonce.Allocator
	Broadcaster *Broadcaster
	Signatures  *SignatureQueue
	Events      *EventBus
	Protector   SwapProtector
	Prices      PriceOracle
	History     HistoryStore
}

type execution struct {
	mu     sync.Mutex
	state  *ExecutionState
	paused bool
}

func (e *execution) update(fn func(s *ExecutionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
	e.state.UpdatedAt = time.Now()
}

func (e *execution) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

type sentKind string

const (
	sentOriginal sentKind = "original"
	sentSpeedUp  sentKind = "speedup"
	sentCancel   sentKind = "cancel"
)

type sentTx struct {
	tx         *TransactionToSign
	signer     Signer
	kind       sentKind
	replacedBy common.Hash
}

type Engine struct {
	log  *zap.Logger
	cfg  Config
	deps Deps

	mu       sync.Mutex
	active   map[string]*execution
	finished *gocache.Cache
	sent     *gocache.Cache

	now func() time.Time
}

func NewEngine(log *zap.Logger, cfg Config, deps Deps) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.SentRetention <= 0 {
		cfg.SentRetention = time.Hour
	}
	if deps.Events == nil {
		deps.Events = NewEventBus()
	}
	if deps.Signatures == nil {
		deps.Signatures = NewSignatureQueue(log, deps.Broadcaster, deps.Events)
	}
	return &Engine{
		log:      log.Named("engine"),
		cfg:      cfg,
		deps:     deps,
		active:   make(map[string]*execution),
		finished: gocache.New(cfg.StateRetention, cfg.StateRetention),
		sent:     gocache.New(cfg.SentRetention, cfg.SentRetention),
		now:      time.Now,
	}
}

func (e *Engine) Events() *EventBus { return e.deps.Events }

func (e *Engine) Signatures() *SignatureQueue { return e.deps.Signatures }

func (e *Engine) publish(ev Event) {
	e.deps.Events.Publish(ev)
}

func (e *Engine) register(p *plan.Plan) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[p.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuting, p.ID)
	}
	ex := &execution{state: newExecutionState(p, e.now())}
	e.active[p.ID] = ex
	e.finished.Delete(p.ID)
	return ex, nil
}

func (e *Engine) unregister(ex *execution) {
	ex.mu.Lock()
	snapshot := ex.state.clone()
	ex.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, snapshot.PlanID)
	e.finished.SetDefault(snapshot.PlanID, snapshot)
}

// IsExecuting reports whether a plan with this id is running.
func (e *Engine) IsExecuting(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[planID]
	return ok
}

// PauseExecution stops the plan before its next step. Pausing a finished plan is a no-op.
func (e *Engine) PauseExecution(planID string) error {
	e.mu.Lock()
	ex, ok := e.active[planID]
	e.mu.Unlock()
	if !ok {
		if _, ok := e.finished.Get(planID); ok {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.state.Status.Terminal() {
		ex.paused = true
	}
	return nil
}

func (e *Engine) GetExecutionState(planID string) (*ExecutionState, error) {
	e.mu.Lock()
	ex, ok := e.active[planID]
	e.mu.Unlock()
	if ok {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return ex.state.clone(), nil
	}
	if v, ok := e.finished.Get(planID); ok {
		state := v.(*ExecutionState) //nolint:forcetypeassert
		return state.clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
}

// ExecutePlan runs the steps of p in order with signer. It returns once the plan is finished, failed or paused.
func (e *Engine) ExecutePlan(ctx context.Context, p *plan.Plan, signer Signer) *ExecutionResult {
	start := e.now()
	p.EnsureID(start)
	res := &ExecutionResult{PlanID: p.ID, TxHashes: []common.Hash{}, Steps: []StepResult{}}
	log := e.log.With(zap.String("plan", p.ID), zap.String("chain", p.Chain))

	if err := p.Validate(); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	ex, err := e.register(p)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	defer e.unregister(ex)

	metrics.IncPlansStarted()
	ex.update(func(s *ExecutionState) { s.Status = StatusExecuting })
	e.publish(Event{Type: EventExecutionStarted, PlanID: p.ID})
	log.Info("Plan execution started", zap.Int("steps", len(p.Steps)))

	failed := make(map[string]bool)
	status := StatusCompleted
stepLoop:
	for i := range p.Steps {
		step := &p.Steps[i]
		if ex.isPaused() {
			status = StatusPaused
			e.publish(Event{Type: EventExecutionPaused, PlanID: p.ID, StepID: step.ID})
			log.Info("Plan execution paused", zap.String("nextStep", step.ID))
			break
		}
		ex.update(func(s *ExecutionState) { s.CurrentStep = i })

		if p.FailureMode == plan.FailureModeContinue {
			if dep := failedDependency(step, failed); dep != "" {
				failed[step.ID] = true
				result := StepResult{
					StepID:     step.ID,
					Kind:       step.Kind(),
					Status:     StepSkipped,
					Error:      fmt.Sprintf("dependency %s did not complete", dep),
					StartedAt:  e.now(),
					FinishedAt: e.now(),
				}
				e.record(ex, res, result)
				e.publish(Event{Type: EventStepSkipped, PlanID: p.ID, StepID: step.ID, Error: result.Error})
				continue
			}
		}

		result := e.runStep(ctx, ex, p, step, signer)
		e.record(ex, res, result)
		if result.Status == StepCompleted {
			e.publish(Event{Type: EventStepCompleted, PlanID: p.ID, StepID: step.ID, TxHash: result.TxHash})
			continue
		}

		failed[step.ID] = true
		status = StatusFailed
		if res.Error == "" {
			res.Error = fmt.Sprintf("step %s: %s", step.ID, result.Error)
		}
		e.publish(Event{Type: EventStepFailed, PlanID: p.ID, StepID: step.ID, Error: result.Error, Attempt: result.Attempts})
		if p.FailureMode == plan.FailureModeAbort {
			log.Warn("Aborting plan after step failure", zap.String("step", step.ID), zap.String("error", result.Error))
			break stepLoop
		}
	}

	finished := e.now()
	res.Status = status
	res.Duration = finished.Sub(start)
	ex.update(func(s *ExecutionState) {
		s.Status = status
		s.Error = res.Error
		if status != StatusPaused {
			s.FinishedAt = &finished
		}
	})
	metrics.IncPlanFinished(string(status))
	e.publish(Event{Type: EventExecutionCompleted, PlanID: p.ID, Status: status, Error: res.Error})
	log.Info("Plan execution finished",
		zap.String("status", string(status)),
		zap.Int("completed", res.CompletedSteps),
		zap.Int("failed", res.FailedSteps),
		zap.Uint64("gasUsed", res.TotalGasUsed),
		zap.Duration("duration", res.Duration))

	if e.deps.History != nil {
		if err := e.deps.History.SaveExecution(ctx, p, res); err != nil {
			metrics.IncHistoryErrors()
			log.Error("Failed to save execution history", zap.Error(err))
		}
	}
	return res
}

// failedDependency returns the first dependency of step that failed or was skipped.
func failedDependency(step *plan.Step, failed map[string]bool) string {
	for _, dep := range step.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

func (e *Engine) record(ex *execution, res *ExecutionResult, result StepResult) {
	res.Steps = append(res.Steps, result)
	switch result.Status {
	case StepCompleted:
		res.CompletedSteps++
		if result.TxHash != nil {
			res.TxHashes = append(res.TxHashes, *result.TxHash)
		}
		res.TotalGasUsed += result.GasUsed
		res.TotalGasUSD += result.GasCostUSD
	case StepFailed:
		res.FailedSteps++
	case StepSkipped:
		res.SkippedSteps++
	}

	ex.update(func(s *ExecutionState) {
		s.Results = append(s.Results, result)
		switch result.Status {
		case StepCompleted:
			s.CompletedSteps = append(s.CompletedSteps, result.StepID)
			if result.TxHash != nil {
				s.TxHashes[result.StepID] = *result.TxHash
			}
		case StepFailed:
			s.FailedSteps = append(s.FailedSteps, result.StepID)
		case StepSkipped:
			s.SkippedSteps = append(s.SkippedSteps, result.StepID)
		}
	})
}

// runStep executes one step with an explicit bounded retry loop.
func (e *Engine) runStep(ctx context.Context, ex *execution, p *plan.Plan, step *plan.Step, signer Signer) StepResult {
	kind := string(step.Kind())
	result := StepResult{StepID: step.ID, Kind: step.Kind(), StartedAt: e.now()}
	e.publish(Event{Type: EventStepStarted, PlanID: p.ID, StepID: step.ID})
	defer func() {
		result.FinishedAt = e.now()
		metrics.RecordStepDuration(kind, result.FinishedAt.Sub(result.StartedAt).Milliseconds())
	}()

	if step.IsWait() {
		result.Attempts = 1
		if err := e.wait(ctx, p, step); err != nil {
			result.Status = StepFailed
			result.Error = err.Error()
			metrics.IncStepFailed(kind)
			return result
		}
		result.Status = StepCompleted
		return result
	}

	log := e.log.With(zap.String("plan", p.ID), zap.String("step", step.ID), zap.String("kind", kind))
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		result.Attempts = attempt
		outcome, err := e.executeStep(ctx, ex, p, step, signer)
		if err == nil {
			result.Status = StepCompleted
			result.TxHash = &outcome.txHash
			result.BlockNumber = outcome.blockNumber
			result.GasUsed = outcome.gasUsed
			result.GasCostUSD = outcome.gasCostUSD
			result.Slippage = outcome.slippage
			return result
		}
		lastErr = err
		if outcome != nil {
			result.Slippage = outcome.slippage
		}
		log.Warn("Step attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if !retryable(err) || attempt == e.cfg.MaxRetries {
			break
		}
		metrics.IncStepRetried(kind)
		if err := sleepCtx(ctx, e.cfg.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}
	result.Status = StepFailed
	result.Error = lastErr.Error()
	metrics.IncStepFailed(kind)
	return result
}

// retryable excludes failures another attempt can't fix.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrSignatureRejected), errors.Is(err, ErrSignatureTimeout), errors.Is(err, ErrSignatureExpired):
		return false
	case errors.Is(err, ErrTransactionCanceled), errors.Is(err, slippage.ErrSwapBlocked):
		return false
	case errors.Is(err, ErrConfirmationTimeout):
		// the transaction may still land, a second one could execute the step twice
		return false
	case errors.Is(err, errBuild):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait holds a wait step for its duration, emitting progress at a fixed interval.
func (e *Engine) wait(ctx context.Context, p *plan.Plan, step *plan.Step) error {
	params, _ := step.Params.(plan.WaitParams)
	total := params.Duration()
	if total <= 0 {
		return nil
	}
	interval := e.cfg.WaitProgressInterval
	if interval <= 0 || interval > total {
		interval = total
	}
	start := e.now()
	deadline := time.NewTimer(total)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return nil
		case <-ticker.C:
			elapsed := e.now().Sub(start)
			remaining := total - elapsed
			if remaining < 0 {
				remaining = 0
			}
			e.publish(Event{
				Type:     EventWaitProgress,
				PlanID:   p.ID,
				StepID:   step.ID,
				Progress: &WaitProgress{Elapsed: elapsed, Remaining: remaining},
			})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
