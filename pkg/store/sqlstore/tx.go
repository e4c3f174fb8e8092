package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

type tx struct {
	reader
	tx   *sql.Tx
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.d.rebind(query), args...)
	if err != nil && isDuplicate(err) {
		return nil, fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return res, err
}

func (t *tx) InsertExecution(ctx context.Context, e *contracts.Execution) error {
	data, err := encodeJSON(e.TriggerData, "{}")
	if err != nil {
		return fmt.Errorf("encode trigger data: %w", err)
	}
	chain, err := encodeJSON(e.AttributionChain, "[]")
	if err != nil {
		return fmt.Errorf("encode attribution chain: %w", err)
	}
	_, err = t.exec(ctx, `INSERT INTO settlement_executions (
		id, contract_id, deal_room_id, trigger_event, trigger_data, idempotency_key, attribution_chain,
		total_amount, distributed_amount, status, reason_code, error_message, created_at, executed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContractID, e.DealRoomID, e.TriggerEvent, data, e.IdempotencyKey, chain,
		e.TotalAmount, e.DistributedAmount, string(e.Status), string(e.ReasonCode), e.ErrorMessage,
		t.d.timeArg(e.CreatedAt), t.d.nullTimeArg(e.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

func (t *tx) UpdateExecutionStatus(ctx context.Context, id string, u store.StatusUpdate) error {
	if len(u.From) == 0 {
		return errors.New("status update requires at least one source status")
	}
	set := []string{"status = ?"}
	args := []any{string(u.To)}
	if u.ReasonCode != "" {
		set = append(set, "reason_code = ?")
		args = append(args, string(u.ReasonCode))
	}
	if u.ErrorMessage != "" {
		set = append(set, "error_message = ?")
		args = append(args, u.ErrorMessage)
	}
	if u.DistributedAmount != nil {
		set = append(set, "distributed_amount = ?")
		args = append(args, *u.DistributedAmount)
	}
	if u.ExecutedAt != nil {
		set = append(set, "executed_at = ?")
		args = append(args, t.d.timeArg(*u.ExecutedAt))
	}
	args = append(args, id)
	for _, from := range u.From {
		args = append(args, string(from))
	}
	query := `UPDATE settlement_executions SET ` + strings.Join(set, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(u.From)) + `)`

	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := t.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("execution %s is %s: %w", id, cur.Status, store.ErrStaleState)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (t *tx) InsertConfirmation(ctx context.Context, c *contracts.Confirmation) error {
	meta, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode confirmation metadata: %w", err)
	}
	_, err = t.exec(ctx, `INSERT INTO settlement_confirmations (
		id, execution_id, contract_id, source, external_entity_ref, status, expires_at, resolved_at, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ExecutionID, c.ContractID, c.Source, c.ExternalEntityRef, string(c.Status),
		t.d.timeArg(c.ExpiresAt), t.d.nullTimeArg(c.ResolvedAt), meta, t.d.timeArg(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert confirmation %s: %w", c.ID, err)
	}
	return nil
}

func (t *tx) UpdateConfirmationStatus(ctx context.Context, id string, from, to contracts.ConfirmationStatus, resolvedAt time.Time, metadata map[string]any) error {
	cur, err := t.lockConfirmation(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return fmt.Errorf("confirmation %s is %s: %w", id, cur.Status, store.ErrStaleState)
	}
	merged := cur.Metadata
	if len(metadata) > 0 {
		if merged == nil {
			merged = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			merged[k] = v
		}
	}
	meta, err := encodeJSON(merged, "{}")
	if err != nil {
		return fmt.Errorf("encode confirmation metadata: %w", err)
	}
	res, err := t.exec(ctx, `UPDATE settlement_confirmations SET status = ?, resolved_at = ?, metadata = ?
		WHERE id = ? AND status = ?`,
		string(to), t.d.timeArg(resolvedAt), meta, id, string(from))
	if err != nil {
		return fmt.Errorf("update confirmation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("confirmation %s: %w", id, store.ErrStaleState)
	}
	return nil
}

func (t *tx) lockConfirmation(ctx context.Context, id string) (*contracts.Confirmation, error) {
	row := t.tx.QueryRowContext(ctx, t.d.rebind(selectConfirmation+` WHERE id = ?`+t.d.lockSuffix), id)
	return notFound(scanConfirmation(row))
}

func (t *tx) ListOverdueConfirmations(ctx context.Context, now time.Time, limit int) ([]*contracts.Confirmation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, t.d.rebind(selectConfirmation+
		` WHERE status = ? AND expires_at < ? ORDER BY expires_at, id LIMIT ?`),
		string(contracts.ConfirmationPending), t.d.timeArg(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue confirmations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *tx) InsertPayouts(ctx context.Context, payouts []*contracts.Payout) error {
	for i, p := range payouts {
		_, err := t.exec(ctx, `INSERT INTO settlement_payouts (
			id, execution_id, position, participant_id, amount, percentage, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.ExecutionID, i, p.ParticipantID, p.Amount, p.Percentage, string(p.Status), t.d.timeArg(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert payout %s: %w", p.ID, err)
		}
	}
	return nil
}

func (t *tx) AppendEscrowTransaction(ctx context.Context, et *contracts.EscrowTransaction) error {
	chain, err := encodeJSON(et.AttributionChain, "[]")
	if err != nil {
		return fmt.Errorf("encode attribution chain: %w", err)
	}
	_, err = t.exec(ctx, `INSERT INTO escrow_transactions (
		id, escrow_id, execution_id, type, amount, description, revenue_source_type,
		source_entity, attribution_chain, content_hash, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		et.ID, et.EscrowID, et.ExecutionID, string(et.Type), et.Amount, et.Description, et.RevenueSourceType,
		et.SourceEntity, chain, et.ContentHash, t.d.timeArg(et.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append escrow transaction %s: %w", et.ID, err)
	}
	return nil
}

// UpdateEscrowBalance locks the escrow row, checks the resulting balance and
// writes it back. The row stays locked until the transaction ends.
func (t *tx) UpdateEscrowBalance(ctx context.Context, escrowID string, delta decimal.Decimal, at time.Time) (*contracts.Escrow, error) {
	row := t.tx.QueryRowContext(ctx, t.d.rebind(selectEscrow+` WHERE id = ?`+t.d.lockSuffix), escrowID)
	e, err := notFound(scanEscrow(row))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("escrow %s: %w", escrowID, err)
		}
		return nil, fmt.Errorf("lock escrow %s: %w", escrowID, err)
	}

	next := e.CurrentBalance.Add(delta)
	if next.IsNegative() {
		return nil, store.ErrInsufficientFunds
	}
	e.CurrentBalance = next
	if delta.IsNegative() {
		e.TotalReleased = e.TotalReleased.Sub(delta)
	} else {
		e.TotalDeposited = e.TotalDeposited.Add(delta)
	}
	e.UpdatedAt = at.UTC()

	_, err = t.exec(ctx, `UPDATE deal_room_escrows
		SET current_balance = ?, total_released = ?, total_deposited = ?, updated_at = ?
		WHERE id = ?`,
		e.CurrentBalance, e.TotalReleased, e.TotalDeposited, t.d.timeArg(at), escrowID)
	if err != nil {
		if isCheckViolation(err) {
			return nil, store.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("update escrow %s: %w", escrowID, err)
	}
	return e, nil
}

func (t *tx) UpdateContractAggregates(ctx context.Context, contractID string, distributed decimal.Decimal, at time.Time) error {
	var total decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		t.d.rebind(`SELECT total_distributed FROM settlement_contracts WHERE id = ?`+t.d.lockSuffix), contractID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("contract %s: %w", contractID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock contract %s: %w", contractID, err)
	}
	_, err = t.exec(ctx, `UPDATE settlement_contracts
		SET total_distributed = ?, execution_count = execution_count + 1, last_executed_at = ?
		WHERE id = ?`,
		total.Add(distributed), t.d.timeArg(at), contractID)
	if err != nil {
		return fmt.Errorf("update contract %s aggregates: %w", contractID, err)
	}
	return nil
}

// EnqueueTask inserts a pending task. Re-enqueueing an existing id is a no-op.
func (t *tx) EnqueueTask(ctx context.Context, task *store.Task) error {
	status := task.Status
	if status == "" {
		status = store.TaskPending
	}
	_, err := t.exec(ctx, `INSERT INTO outbox_tasks (id, kind, payload, scheduled_at, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		task.ID, string(task.Kind), string(task.Payload), t.d.timeArg(task.ScheduledAt), string(status), task.Attempts, task.LastError)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}
