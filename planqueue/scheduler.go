package planqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/executor"
	"github.com/flashbots/tx-plan-executor/plan"
	"go.uber.org/zap"
)

// Scheduler pushes accepted plans onto the queue.
type Scheduler struct {
	queue Queue
}

func NewScheduler(queue Queue) *Scheduler {
	return &Scheduler{queue: queue}
}

func (s *Scheduler) SchedulePlan(ctx context.Context, p *plan.Plan, highPriority bool) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.queue.Push(ctx, data, highPriority)
}

type PlanRunner interface {
	ExecutePlan(ctx context.Context, p *plan.Plan, signer executor.Signer) *executor.ExecutionResult
	IsExecuting(planID string) bool
}

// SignerFor picks the signer acting for account, nil when the node can't act for it.
type SignerFor func(account common.Address) executor.Signer

// Processor runs queued plans. A plan that ran is never requeued, whatever its outcome.
type Processor struct {
	log       *zap.Logger
	runner    PlanRunner
	signerFor SignerFor
}

func NewProcessor(log *zap.Logger, runner PlanRunner, signerFor SignerFor) *Processor {
	return &Processor{
		log:       log.Named("processor"),
		runner:    runner,
		signerFor: signerFor,
	}
}

func (p *Processor) Process(ctx context.Context, data []byte) error {
	var pl plan.Plan
	if err := json.Unmarshal(data, &pl); err != nil {
		return errors.Join(err, ErrProcessUnrecoverable)
	}
	if err := pl.Validate(); err != nil {
		return errors.Join(err, ErrProcessUnrecoverable)
	}
	if p.runner.IsExecuting(pl.ID) {
		return fmt.Errorf("%w: plan %s is already running", ErrProcessWorkerError, pl.ID)
	}
	signer := p.signerFor(pl.Account)
	if signer == nil {
		return fmt.Errorf("%w: no signer for account %s", ErrProcessUnrecoverable, pl.Account.Hex())
	}

	res := p.runner.ExecutePlan(ctx, &pl, signer)
	logger := p.log.With(zap.String("plan", res.PlanID), zap.String("status", string(res.Status)))
	if res.Error != "" {
		logger.Info("Queued plan finished with error", zap.String("error", res.Error), zap.Int("failed", res.FailedSteps))
	} else {
		logger.Info("Queued plan finished", zap.Int("completed", res.CompletedSteps), zap.Duration("duration", res.Duration))
	}
	return nil
}
