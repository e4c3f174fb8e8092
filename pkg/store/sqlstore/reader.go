package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// reader implements store.Reader over a DB or a Tx.
type reader struct {
	q querier
	d *dialect
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectContract = `SELECT id, deal_room_id, name, trigger_type, trigger_conditions, condition_expression,
	payout_rules, is_active, payout_priority, external_confirmation_required, external_confirmation_source,
	confirmation_timeout_seconds, minimum_escrow_required, total_distributed, execution_count,
	last_executed_at, created_at FROM settlement_contracts`

const selectEscrow = `SELECT id, deal_room_id, current_balance, minimum_balance_threshold,
	total_released, total_deposited, updated_at FROM deal_room_escrows`

const selectExecution = `SELECT id, contract_id, deal_room_id, trigger_event, trigger_data, idempotency_key,
	attribution_chain, total_amount, distributed_amount, status, reason_code, error_message,
	created_at, executed_at FROM settlement_executions`

const selectConfirmation = `SELECT id, execution_id, contract_id, source, external_entity_ref, status,
	expires_at, resolved_at, metadata, created_at FROM settlement_confirmations`

func (r reader) GetContract(ctx context.Context, id string) (*contracts.SettlementContract, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(selectContract+` WHERE id = ?`), id)
	return notFound(scanContract(row))
}

func (r reader) GetEscrow(ctx context.Context, dealRoomID string) (*contracts.Escrow, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(selectEscrow+` WHERE deal_room_id = ?`), dealRoomID)
	return notFound(scanEscrow(row))
}

func (r reader) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(selectExecution+` WHERE id = ?`), id)
	return notFound(scanExecution(row))
}

func (r reader) GetExecutionByKey(ctx context.Context, key string) (*contracts.Execution, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(selectExecution+` WHERE idempotency_key = ?`), key)
	return notFound(scanExecution(row))
}

func (r reader) GetConfirmation(ctx context.Context, id string) (*contracts.Confirmation, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(selectConfirmation+` WHERE id = ?`), id)
	return notFound(scanConfirmation(row))
}

func (r reader) GetConfirmationByExecution(ctx context.Context, executionID string) (*contracts.Confirmation, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(selectConfirmation+` WHERE execution_id = ?`), executionID)
	return notFound(scanConfirmation(row))
}

func notFound[T any](v *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func scanContract(row rowScanner) (*contracts.SettlementContract, error) {
	var (
		c            contracts.SettlementContract
		triggerType  string
		conds, rules []byte
		lastExecuted sqlTime
		created      sqlTime
	)
	err := row.Scan(&c.ID, &c.DealRoomID, &c.Name, &triggerType, &conds, &c.ConditionExpression,
		&rules, &c.IsActive, &c.PayoutPriority, &c.ExternalConfirmationRequired, &c.ExternalConfirmationSource,
		&c.ConfirmationTimeoutSeconds, &c.MinimumEscrowRequired, &c.TotalDistributed, &c.ExecutionCount,
		&lastExecuted, &created)
	if err != nil {
		return nil, err
	}
	c.TriggerType = contracts.TriggerType(triggerType)
	if c.Conditions, err = contracts.DecodeConditions(c.TriggerType, conds); err != nil {
		return nil, fmt.Errorf("contract %s: %w", c.ID, err)
	}
	if err := decodeJSON(rules, &c.PayoutRules); err != nil {
		return nil, fmt.Errorf("contract %s payout rules: %w", c.ID, err)
	}
	c.LastExecutedAt = lastExecuted.Ptr()
	c.CreatedAt = created.Time
	return &c, nil
}

func scanEscrow(row rowScanner) (*contracts.Escrow, error) {
	var (
		e       contracts.Escrow
		updated sqlTime
	)
	if err := row.Scan(&e.ID, &e.DealRoomID, &e.CurrentBalance, &e.MinimumBalanceThreshold,
		&e.TotalReleased, &e.TotalDeposited, &updated); err != nil {
		return nil, err
	}
	e.UpdatedAt = updated.Time
	return &e, nil
}

func scanExecution(row rowScanner) (*contracts.Execution, error) {
	var (
		e                 contracts.Execution
		status, reason    string
		data, chain       []byte
		created, executed sqlTime
	)
	err := row.Scan(&e.ID, &e.ContractID, &e.DealRoomID, &e.TriggerEvent, &data, &e.IdempotencyKey,
		&chain, &e.TotalAmount, &e.DistributedAmount, &status, &reason, &e.ErrorMessage,
		&created, &executed)
	if err != nil {
		return nil, err
	}
	e.Status = contracts.ExecutionStatus(status)
	e.ReasonCode = contracts.ReasonCode(reason)
	if err := decodeJSON(data, &e.TriggerData); err != nil {
		return nil, fmt.Errorf("execution %s trigger data: %w", e.ID, err)
	}
	if err := decodeJSON(chain, &e.AttributionChain); err != nil {
		return nil, fmt.Errorf("execution %s attribution: %w", e.ID, err)
	}
	e.CreatedAt = created.Time
	e.ExecutedAt = executed.Ptr()
	return &e, nil
}

func scanConfirmation(row rowScanner) (*contracts.Confirmation, error) {
	var (
		c                contracts.Confirmation
		status           string
		meta             []byte
		expires, created sqlTime
		resolved         sqlTime
	)
	err := row.Scan(&c.ID, &c.ExecutionID, &c.ContractID, &c.Source, &c.ExternalEntityRef, &status,
		&expires, &resolved, &meta, &created)
	if err != nil {
		return nil, err
	}
	c.Status = contracts.ConfirmationStatus(status)
	c.ExpiresAt = expires.Time
	c.ResolvedAt = resolved.Ptr()
	c.CreatedAt = created.Time
	if err := decodeJSON(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("confirmation %s metadata: %w", c.ID, err)
	}
	return &c, nil
}

// decodeJSON keeps numbers in open maps as json.Number so stored amounts
// re-parse exactly.
func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// sqlTime scans TIMESTAMPTZ values (postgres) and fixed-layout TEXT (sqlite).
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("sqlTime: unsupported type %T", src)
	}
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("sqlTime: cannot parse %q", s)
}

func (t sqlTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
