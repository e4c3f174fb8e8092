package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/payout"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// CompletedEvent is published on settlement.completed.
type CompletedEvent struct {
	ExecutionID       string                      `json:"execution_id"`
	ContractID        string                      `json:"contract_id"`
	DealRoomID        string                      `json:"deal_room_id"`
	TriggerEvent      string                      `json:"trigger_event"`
	DistributedAmount decimal.Decimal             `json:"distributed_amount"`
	Payouts           []payout.Line               `json:"payouts"`
	EscrowBalance     *decimal.Decimal            `json:"escrow_balance,omitempty"`
	AttributionChain  []contracts.AttributionLink `json:"attribution_chain,omitempty"`
	ExecutedAt        time.Time                   `json:"executed_at"`
}

// commit computes the payouts of a processing execution and applies them.
// The execution transition, escrow debit, ledger entry, payout rows,
// contract aggregates and completion event are one transaction.
func (e *Engine) commit(ctx context.Context, c *contracts.SettlementContract, exec *contracts.Execution, esc *contracts.Escrow, data contracts.TriggerData) (*contracts.ExecutionResult, error) {
	lines := payout.Compute(c.PayoutRules, exec.TotalAmount)
	if len(lines) == 0 {
		return e.fail(ctx, exec, contracts.ReasonFailed, errNoPayouts)
	}
	distributed := payout.Sum(lines)
	now := e.now()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return e.fail(ctx, exec, contracts.ReasonFailed, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	err = e.apply(ctx, tx, c, exec, esc, data, lines, distributed, now)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, store.ErrStaleState) {
			// another caller settled or failed it first
			return e.current(ctx, exec.ID)
		}
		reason := contracts.ReasonFailed
		if errors.Is(err, store.ErrInsufficientFunds) {
			reason = contracts.ReasonInsufficientEscrow
		}
		return e.fail(ctx, exec, reason, err)
	}

	e.logger.InfoContext(ctx, "settlement completed",
		"contract_id", c.ID,
		"execution_id", exec.ID,
		"distributed", distributed.String(),
		"payouts", len(lines),
		"off_ledger", esc == nil,
	)
	return &contracts.ExecutionResult{
		Success:           true,
		ExecutionID:       exec.ID,
		ContractID:        c.ID,
		Status:            contracts.ExecutionCompleted,
		DistributedAmount: decPtr(distributed),
		PayoutCount:       intPtr(len(lines)),
		ReasonCode:        contracts.ReasonCompleted,
	}, nil
}

func (e *Engine) apply(ctx context.Context, tx store.Tx, c *contracts.SettlementContract, exec *contracts.Execution, esc *contracts.Escrow, data contracts.TriggerData, lines []payout.Line, distributed decimal.Decimal, now time.Time) error {
	err := tx.UpdateExecutionStatus(ctx, exec.ID, store.StatusUpdate{
		From:              []contracts.ExecutionStatus{contracts.ExecutionProcessing},
		To:                contracts.ExecutionCompleted,
		ReasonCode:        contracts.ReasonCompleted,
		DistributedAmount: &distributed,
		ExecutedAt:        &now,
	})
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}

	var balance *decimal.Decimal
	if esc != nil {
		updated, err := tx.UpdateEscrowBalance(ctx, esc.ID, distributed.Neg(), now)
		if err != nil {
			return fmt.Errorf("debit escrow %s: %w", esc.ID, err)
		}
		balance = decPtr(updated.CurrentBalance)

		entry := &contracts.EscrowTransaction{
			ID:                uuid.New().String(),
			EscrowID:          esc.ID,
			ExecutionID:       exec.ID,
			Type:              contracts.TransactionPayout,
			Amount:            distributed,
			Description:       fmt.Sprintf("settlement of contract %s on %s", c.ID, exec.TriggerEvent),
			RevenueSourceType: string(c.TriggerType),
			SourceEntity:      data.SourceEntity(),
			AttributionChain:  exec.AttributionChain,
			CreatedAt:         now,
		}
		if err := entry.Seal(); err != nil {
			return fmt.Errorf("hash ledger entry: %w", err)
		}
		if err := tx.AppendEscrowTransaction(ctx, entry); err != nil {
			return fmt.Errorf("append escrow transaction: %w", err)
		}
	}

	payouts := make([]*contracts.Payout, 0, len(lines))
	for _, l := range lines {
		payouts = append(payouts, &contracts.Payout{
			ID:            uuid.New().String(),
			ExecutionID:   exec.ID,
			ParticipantID: l.ParticipantID,
			Amount:        l.Amount,
			Percentage:    l.Percentage,
			Status:        contracts.PayoutPending,
			CreatedAt:     now,
		})
	}
	if err := tx.InsertPayouts(ctx, payouts); err != nil {
		return fmt.Errorf("insert payouts: %w", err)
	}
	if err := tx.UpdateContractAggregates(ctx, c.ID, distributed, now); err != nil {
		return fmt.Errorf("update contract aggregates: %w", err)
	}

	task, err := outbox.NewPublishTask(outbox.SubjectSettlementCompleted, CompletedEvent{
		ExecutionID:       exec.ID,
		ContractID:        c.ID,
		DealRoomID:        c.DealRoomID,
		TriggerEvent:      exec.TriggerEvent,
		DistributedAmount: distributed,
		Payouts:           lines,
		EscrowBalance:     balance,
		AttributionChain:  exec.AttributionChain,
		ExecutedAt:        now,
	}, now)
	if err != nil {
		return err
	}
	if err := tx.EnqueueTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue completion event: %w", err)
	}
	return nil
}

// fail marks exec failed in its own transaction. The commit transaction has
// already been rolled back, so the escrow is untouched.
func (e *Engine) fail(ctx context.Context, exec *contracts.Execution, reason contracts.ReasonCode, cause error) (*contracts.ExecutionResult, error) {
	msg := cause.Error()
	if err := e.markFailed(ctx, exec.ID, []contracts.ExecutionStatus{contracts.ExecutionProcessing}, reason, msg); err != nil {
		e.logger.ErrorContext(ctx, "failed to record execution failure",
			"execution_id", exec.ID, "error", err)
	}
	e.logger.ErrorContext(ctx, "settlement failed",
		"contract_id", exec.ContractID,
		"execution_id", exec.ID,
		"reason", reason,
		"error", cause,
	)
	return &contracts.ExecutionResult{
		ExecutionID: exec.ID,
		ContractID:  exec.ContractID,
		Status:      contracts.ExecutionFailed,
		Error:       msg,
		ReasonCode:  reason,
	}, fmt.Errorf("settle execution %s: %w", exec.ID, cause)
}

func (e *Engine) markFailed(ctx context.Context, executionID string, from []contracts.ExecutionStatus, reason contracts.ReasonCode, msg string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	err = tx.UpdateExecutionStatus(ctx, executionID, store.StatusUpdate{
		From:         from,
		To:           contracts.ExecutionFailed,
		ReasonCode:   reason,
		ErrorMessage: msg,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// current returns the stored state of an execution.
func (e *Engine) current(ctx context.Context, executionID string) (*contracts.ExecutionResult, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	return e.resultFor(ctx, exec)
}
