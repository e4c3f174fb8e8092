package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// tx holds Store.mu until Commit or Rollback.
type tx struct {
	s    *Store
	undo []func()
	done bool
}

func (t *tx) push(f func()) { t.undo = append(t.undo, f) }

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) GetContract(ctx context.Context, id string) (*contracts.SettlementContract, error) {
	return t.s.getContract(id)
}

func (t *tx) GetEscrow(ctx context.Context, dealRoomID string) (*contracts.Escrow, error) {
	return t.s.getEscrow(dealRoomID)
}

func (t *tx) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	return t.s.getExecution(id)
}

func (t *tx) GetExecutionByKey(ctx context.Context, key string) (*contracts.Execution, error) {
	return t.s.getExecutionByKey(key)
}

func (t *tx) GetConfirmation(ctx context.Context, id string) (*contracts.Confirmation, error) {
	return t.s.getConfirmation(id)
}

func (t *tx) GetConfirmationByExecution(ctx context.Context, executionID string) (*contracts.Confirmation, error) {
	return t.s.getConfirmationByExecution(executionID)
}

func (t *tx) InsertExecution(ctx context.Context, e *contracts.Execution) error {
	s := t.s
	if _, ok := s.executions[e.ID]; ok {
		return store.ErrDuplicateKey
	}
	if e.IdempotencyKey != "" {
		if _, ok := s.executionKeys[e.IdempotencyKey]; ok {
			return store.ErrDuplicateKey
		}
		s.executionKeys[e.IdempotencyKey] = e.ID
	}
	s.executions[e.ID] = copyExecution(e)
	t.push(func() {
		delete(s.executions, e.ID)
		if e.IdempotencyKey != "" {
			delete(s.executionKeys, e.IdempotencyKey)
		}
	})
	return nil
}

func (t *tx) UpdateExecutionStatus(ctx context.Context, id string, u store.StatusUpdate) error {
	cur, ok := t.s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if !statusIn(cur.Status, u.From) {
		return fmt.Errorf("execution %s is %s: %w", id, cur.Status, store.ErrStaleState)
	}
	prev := *cur
	cur.Status = u.To
	if u.ReasonCode != "" {
		cur.ReasonCode = u.ReasonCode
	}
	if u.ErrorMessage != "" {
		cur.ErrorMessage = u.ErrorMessage
	}
	if u.DistributedAmount != nil {
		cur.DistributedAmount = *u.DistributedAmount
	}
	if u.ExecutedAt != nil {
		cur.ExecutedAt = copyTime(u.ExecutedAt)
	}
	t.push(func() { *cur = prev })
	return nil
}

func statusIn(s contracts.ExecutionStatus, set []contracts.ExecutionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (t *tx) InsertConfirmation(ctx context.Context, c *contracts.Confirmation) error {
	s := t.s
	if _, ok := s.confirmations[c.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := s.confirmByExec[c.ExecutionID]; ok {
		return store.ErrDuplicateKey
	}
	s.confirmations[c.ID] = copyConfirmation(c)
	s.confirmByExec[c.ExecutionID] = c.ID
	t.push(func() {
		delete(s.confirmations, c.ID)
		delete(s.confirmByExec, c.ExecutionID)
	})
	return nil
}

func (t *tx) UpdateConfirmationStatus(ctx context.Context, id string, from, to contracts.ConfirmationStatus, resolvedAt time.Time, metadata map[string]any) error {
	cur, ok := t.s.confirmations[id]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("confirmation %s is %s: %w", id, cur.Status, store.ErrStaleState)
	}
	prev := copyConfirmation(cur)
	cur.Status = to
	cur.ResolvedAt = &resolvedAt
	if len(metadata) > 0 {
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			cur.Metadata[k] = v
		}
	}
	t.push(func() { *cur = *prev })
	return nil
}

func (t *tx) ListOverdueConfirmations(ctx context.Context, now time.Time, limit int) ([]*contracts.Confirmation, error) {
	var out []*contracts.Confirmation
	for _, c := range t.s.confirmations {
		if c.Status == contracts.ConfirmationPending && now.After(c.ExpiresAt) {
			out = append(out, copyConfirmation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertPayouts(ctx context.Context, payouts []*contracts.Payout) error {
	s := t.s
	for _, p := range payouts {
		execID := p.ExecutionID
		before := len(s.payouts[execID])
		val := *p
		s.payouts[execID] = append(s.payouts[execID], &val)
		t.push(func() { s.payouts[execID] = s.payouts[execID][:before] })
	}
	return nil
}

func (t *tx) AppendEscrowTransaction(ctx context.Context, et *contracts.EscrowTransaction) error {
	s := t.s
	if _, ok := s.escrowRooms[et.EscrowID]; !ok {
		return fmt.Errorf("escrow %s: %w", et.EscrowID, store.ErrNotFound)
	}
	before := len(s.transactions[et.EscrowID])
	val := *et
	val.AttributionChain = append([]contracts.AttributionLink(nil), et.AttributionChain...)
	s.transactions[et.EscrowID] = append(s.transactions[et.EscrowID], &val)
	t.push(func() { s.transactions[et.EscrowID] = s.transactions[et.EscrowID][:before] })
	return nil
}

func (t *tx) UpdateEscrowBalance(ctx context.Context, escrowID string, delta decimal.Decimal, at time.Time) (*contracts.Escrow, error) {
	room, ok := t.s.escrowRooms[escrowID]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, store.ErrNotFound)
	}
	cur := t.s.escrows[room]
	next := cur.CurrentBalance.Add(delta)
	if next.IsNegative() {
		return nil, store.ErrInsufficientFunds
	}
	prev := *cur
	cur.CurrentBalance = next
	if delta.IsNegative() {
		cur.TotalReleased = cur.TotalReleased.Sub(delta)
	} else {
		cur.TotalDeposited = cur.TotalDeposited.Add(delta)
	}
	cur.UpdatedAt = at
	t.push(func() { *cur = prev })
	val := *cur
	return &val, nil
}

func (t *tx) UpdateContractAggregates(ctx context.Context, contractID string, distributed decimal.Decimal, at time.Time) error {
	cur, ok := t.s.contracts[contractID]
	if !ok {
		return store.ErrNotFound
	}
	prev := copyContract(cur)
	cur.TotalDistributed = cur.TotalDistributed.Add(distributed)
	cur.ExecutionCount++
	cur.LastExecutedAt = &at
	t.push(func() { *cur = *prev })
	return nil
}

func (t *tx) EnqueueTask(ctx context.Context, task *store.Task) error {
	s := t.s
	if _, ok := s.tasks[task.ID]; ok {
		return nil
	}
	val := *task
	if val.Status == "" {
		val.Status = store.TaskPending
	}
	s.tasks[task.ID] = &val
	s.taskOrder = append(s.taskOrder, task.ID)
	t.push(func() {
		delete(s.tasks, task.ID)
		s.taskOrder = s.taskOrder[:len(s.taskOrder)-1]
	})
	return nil
}
