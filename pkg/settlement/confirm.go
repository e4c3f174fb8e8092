package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/observability"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// ResumeAfterConfirmation continues an execution whose confirmation was
// granted. Terminal executions return their stored state unchanged.
//
// The kill switch is not re-checked here; funds were committed to the
// execution when it was accepted. The escrow balance guard still applies.
func (e *Engine) ResumeAfterConfirmation(ctx context.Context, executionID string) (res *contracts.ExecutionResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "settlement.resume", observability.AttrExecutionID.String(executionID))
	defer func() {
		done(err)
		e.record(ctx, res)
	}()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return e.resultFor(ctx, exec)
	}

	if exec.Status == contracts.ExecutionPendingConfirmation {
		conf, err := e.store.GetConfirmationByExecution(ctx, exec.ID)
		if err != nil {
			return nil, fmt.Errorf("load confirmation for %s: %w", exec.ID, err)
		}
		if conf.Status != contracts.ConfirmationConfirmed {
			return nil, fmt.Errorf("%w: execution %s confirmation is %s", ErrNotConfirmed, exec.ID, conf.Status)
		}
		err = e.transition(ctx, exec.ID, contracts.ExecutionPendingConfirmation, contracts.ExecutionProcessing)
		if errors.Is(err, store.ErrStaleState) {
			return e.current(ctx, exec.ID)
		}
		if err != nil {
			return nil, err
		}
		exec.Status = contracts.ExecutionProcessing
	}

	c, err := e.store.GetContract(ctx, exec.ContractID)
	if err != nil {
		return e.fail(ctx, exec, contracts.ReasonFailed, fmt.Errorf("load contract %s: %w", exec.ContractID, err))
	}
	esc, err := e.loadEscrow(ctx, c)
	if err != nil {
		return e.fail(ctx, exec, contracts.ReasonFailed, err)
	}
	data, err := contracts.ParseTriggerData(exec.TriggerData)
	if err != nil {
		return e.fail(ctx, exec, contracts.ReasonFailed, fmt.Errorf("stored trigger data: %w", err))
	}
	return e.commit(ctx, c, exec, esc, data)
}

func (e *Engine) transition(ctx context.Context, executionID string, from, to contracts.ExecutionStatus) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := tx.UpdateExecutionStatus(ctx, executionID, store.StatusUpdate{
		From: []contracts.ExecutionStatus{from},
		To:   to,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveConfirmation applies an external outcome to a confirmation.
//
// A granted confirmation enqueues a resume task in the same transaction and
// then resumes inline; the outbox relay retries it if the inline attempt does
// not finish. A rejected or expired confirmation fails the execution without
// touching the ledger. Resolving twice returns the execution's current state.
func (e *Engine) ResolveConfirmation(ctx context.Context, confirmationID string, outcome contracts.ConfirmationStatus, metadata map[string]any) (res *contracts.ExecutionResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "settlement.resolve_confirmation")
	defer func() { done(err) }()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := e.gate.Resolve(ctx, tx, confirmationID, outcome, metadata)
	if err != nil {
		return nil, err
	}
	conf := r.Confirmation
	if r.AlreadyResolved {
		_ = tx.Rollback()
		e.logger.InfoContext(ctx, "confirmation already resolved",
			"confirmation_id", conf.ID, "status", conf.Status)
		return e.current(ctx, conf.ExecutionID)
	}

	if r.Resume {
		task, err := outbox.NewResumeTask(conf.ExecutionID, e.now())
		if err != nil {
			return nil, err
		}
		if err := tx.EnqueueTask(ctx, task); err != nil {
			return nil, fmt.Errorf("enqueue resume: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit confirmation: %w", err)
		}

		res, err := e.ResumeAfterConfirmation(ctx, conf.ExecutionID)
		if res != nil && res.Status.Terminal() {
			if merr := e.store.MarkTaskDone(ctx, task.ID); merr != nil {
				e.logger.WarnContext(ctx, "failed to mark resume task done", "task_id", task.ID, "error", merr)
			}
		}
		return res, err
	}

	reason := contracts.ReasonConfirmationRejected
	msg := "confirmation rejected"
	if r.Status == contracts.ConfirmationExpired {
		reason = contracts.ReasonConfirmationExpired
		msg = "confirmation expired"
	}
	err = tx.UpdateExecutionStatus(ctx, conf.ExecutionID, store.StatusUpdate{
		From:         []contracts.ExecutionStatus{contracts.ExecutionPendingConfirmation},
		To:           contracts.ExecutionFailed,
		ReasonCode:   reason,
		ErrorMessage: msg,
	})
	if err != nil && !errors.Is(err, store.ErrStaleState) {
		return nil, fmt.Errorf("fail execution %s: %w", conf.ExecutionID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit confirmation: %w", err)
	}

	e.logger.InfoContext(ctx, "settlement not confirmed",
		"confirmation_id", conf.ID,
		"execution_id", conf.ExecutionID,
		"reason", reason,
	)
	res, err = e.current(ctx, conf.ExecutionID)
	if res != nil {
		e.record(ctx, res)
	}
	return res, err
}

// ExpireConfirmations fails every execution whose confirmation is overdue.
func (e *Engine) ExpireConfirmations(ctx context.Context) (results []*contracts.ExecutionResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "settlement.expire_confirmations")
	defer func() { done(err) }()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	expired, err := e.gate.Expire(ctx, tx, DefaultSweepLimit)
	if err != nil {
		return nil, err
	}
	failed := make([]*contracts.Confirmation, 0, len(expired))
	for _, conf := range expired {
		err := tx.UpdateExecutionStatus(ctx, conf.ExecutionID, store.StatusUpdate{
			From:         []contracts.ExecutionStatus{contracts.ExecutionPendingConfirmation},
			To:           contracts.ExecutionFailed,
			ReasonCode:   contracts.ReasonConfirmationExpired,
			ErrorMessage: "confirmation expired",
		})
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail execution %s: %w", conf.ExecutionID, err)
		}
		failed = append(failed, conf)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}

	results = make([]*contracts.ExecutionResult, 0, len(failed))
	for _, conf := range failed {
		e.logger.InfoContext(ctx, "confirmation expired",
			"confirmation_id", conf.ID, "execution_id", conf.ExecutionID)
		res, err := e.current(ctx, conf.ExecutionID)
		if err != nil {
			return results, err
		}
		e.record(ctx, res)
		results = append(results, res)
	}
	return results, nil
}
