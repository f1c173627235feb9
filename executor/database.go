package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/tx-plan-executor/plan"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrExecutionNotFound = errors.New("execution not found")

type DBPlanExecution struct {
	PlanID         string         `db:"plan_id"`
	Chain          string         `db:"chain"`
	Account        []byte         `db:"account"`
	Status         string         `db:"status"`
	FailureMode    string         `db:"failure_mode"`
	CompletedSteps int            `db:"completed_steps"`
	FailedSteps    int            `db:"failed_steps"`
	SkippedSteps   int            `db:"skipped_steps"`
	TotalGasUsed   int64          `db:"total_gas_used"`
	TotalGasUSD    float64        `db:"total_gas_usd"`
	Error          sql.NullString `db:"error"`
	DurationMs     int64          `db:"duration_ms"`
	Body           []byte         `db:"body"`
	FinishedAt     time.Time      `db:"finished_at"`
}

var upsertExecutionQuery = `
INSERT INTO plan_execution (plan_id, chain, account, status, failure_mode, completed_steps, failed_steps, skipped_steps,
                            total_gas_used, total_gas_usd, error, duration_ms, body, finished_at)
VALUES (:plan_id, :chain, :account, :status, :failure_mode, :completed_steps, :failed_steps, :skipped_steps,
        :total_gas_used, :total_gas_usd, :error, :duration_ms, :body, :finished_at)
ON CONFLICT (plan_id) DO
UPDATE SET status = :status, completed_steps = :completed_steps, failed_steps = :failed_steps, skipped_steps = :skipped_steps,
           total_gas_used = :total_gas_used, total_gas_usd = :total_gas_usd, error = :error, duration_ms = :duration_ms,
           finished_at = :finished_at`

var deleteExecutionStepsQuery = `DELETE FROM plan_execution_step WHERE plan_id = $1`

type DBPlanExecutionStep struct {
	PlanID      string         `db:"plan_id"`
	Idx         int            `db:"idx"`
	StepID      string         `db:"step_id"`
	Kind        string         `db:"kind"`
	Status      string         `db:"status"`
	TxHash      []byte         `db:"tx_hash"`
	BlockNumber sql.NullInt64  `db:"block_number"`
	GasUsed     int64          `db:"gas_used"`
	GasCostUSD  float64        `db:"gas_cost_usd"`
	Attempts    int            `db:"attempts"`
	Error       sql.NullString `db:"error"`
	StartedAt   time.Time      `db:"started_at"`
	FinishedAt  time.Time      `db:"finished_at"`
}

var insertExecutionStepQuery = `
INSERT INTO plan_execution_step (plan_id, idx, step_id, kind, status, tx_hash, block_number, gas_used, gas_cost_usd,
                                 attempts, error, started_at, finished_at)
VALUES (:plan_id, :idx, :step_id, :kind, :status, :tx_hash, :block_number, :gas_used, :gas_cost_usd,
        :attempts, :error, :started_at, :finished_at)`

var getExecutionQuery = `
SELECT plan_id, chain, account, status, failure_mode, completed_steps, failed_steps, skipped_steps,
       total_gas_used, total_gas_usd, error, duration_ms, body, finished_at
FROM plan_execution
WHERE plan_id = $1`

var getExecutionStepsQuery = `
SELECT plan_id, idx, step_id, kind, status, tx_hash, block_number, gas_used, gas_cost_usd, attempts, error, started_at, finished_at
FROM plan_execution_step
WHERE plan_id = $1
ORDER BY idx`

// DBBackend keeps the history of finished executions in postgres.
type DBBackend struct {
	db *sqlx.DB

	getExecution      *sqlx.Stmt
	getExecutionSteps *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)
	return newDBBackend(db)
}

func newDBBackend(db *sqlx.DB) (*DBBackend, error) {
	getExecution, err := db.Preparex(getExecutionQuery)
	if err != nil {
		return nil, err
	}
	getExecutionSteps, err := db.Preparex(getExecutionStepsQuery)
	if err != nil {
		return nil, err
	}
	return &DBBackend{
		db:                db,
		getExecution:      getExecution,
		getExecutionSteps: getExecutionSteps,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveExecution stores res and its step results. Saving a plan again, after it was resumed, replaces the old rows.
func (b *DBBackend) SaveExecution(ctx context.Context, p *plan.Plan, res *ExecutionResult) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	row := DBPlanExecution{
		PlanID:         res.PlanID,
		Chain:          p.Chain,
		Account:        p.Account.Bytes(),
		Status:         string(res.Status),
		FailureMode:    string(p.FailureMode),
		CompletedSteps: res.CompletedSteps,
		FailedSteps:    res.FailedSteps,
		SkippedSteps:   res.SkippedSteps,
		TotalGasUsed:   int64(res.TotalGasUsed),
		TotalGasUSD:    res.TotalGasUSD,
		Error:          nullString(res.Error),
		DurationMs:     res.Duration.Milliseconds(),
		Body:           body,
		FinishedAt:     time.Now().UTC(),
	}

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := dbTx.NamedExecContext(ctx, upsertExecutionQuery, row); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if _, err := dbTx.ExecContext(ctx, deleteExecutionStepsQuery, res.PlanID); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	for i, step := range res.Steps {
		stepRow := DBPlanExecutionStep{
			PlanID:     res.PlanID,
			Idx:        i,
			StepID:     step.StepID,
			Kind:       string(step.Kind),
			Status:     string(step.Status),
			GasUsed:    int64(step.GasUsed),
			GasCostUSD: step.GasCostUSD,
			Attempts:   step.Attempts,
			Error:      nullString(step.Error),
			StartedAt:  step.StartedAt.UTC(),
			FinishedAt: step.FinishedAt.UTC(),
		}
		if step.TxHash != nil {
			stepRow.TxHash = step.TxHash.Bytes()
		}
		if step.BlockNumber != 0 {
			stepRow.BlockNumber = sql.NullInt64{Int64: int64(step.BlockNumber), Valid: true}
		}
		if _, err := dbTx.NamedExecContext(ctx, insertExecutionStepQuery, stepRow); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

// GetExecutionResult rebuilds the stored result of a plan.
func (b *DBBackend) GetExecutionResult(ctx context.Context, planID string) (*ExecutionResult, error) {
	var row DBPlanExecution
	err := b.getExecution.GetContext(ctx, &row, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	} else if err != nil {
		return nil, err
	}

	var steps []DBPlanExecutionStep
	if err := b.getExecutionSteps.SelectContext(ctx, &steps, planID); err != nil {
		return nil, err
	}

	res := &ExecutionResult{
		PlanID:         row.PlanID,
		Status:         Status(row.Status),
		CompletedSteps: row.CompletedSteps,
		FailedSteps:    row.FailedSteps,
		SkippedSteps:   row.SkippedSteps,
		TxHashes:       []common.Hash{},
		TotalGasUsed:   uint64(row.TotalGasUsed),
		TotalGasUSD:    row.TotalGasUSD,
		Steps:          make([]StepResult, 0, len(steps)),
		Error:          row.Error.String,
		Duration:       time.Duration(row.DurationMs) * time.Millisecond,
	}
	for _, s := range steps {
		step := StepResult{
			StepID:      s.StepID,
			Kind:        plan.Kind(s.Kind),
			Status:      StepStatus(s.Status),
			BlockNumber: uint64(s.BlockNumber.Int64),
			GasUsed:     uint64(s.GasUsed),
			GasCostUSD:  s.GasCostUSD,
			Attempts:    s.Attempts,
			Error:       s.Error.String,
			StartedAt:   s.StartedAt,
			FinishedAt:  s.FinishedAt,
		}
		if len(s.TxHash) > 0 {
			hash := common.BytesToHash(s.TxHash)
			step.TxHash = &hash
			if step.Status == StepCompleted {
				res.TxHashes = append(res.TxHashes, hash)
			}
		}
		res.Steps = append(res.Steps, step)
	}
	return res, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
