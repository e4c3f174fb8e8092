// Package memory implements store.Store in process memory.
// Transactions are serialized under a single mutex and rolled back through an
// undo log, which gives serializable semantics for tests and single-node use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex

	contracts     map[string]*contracts.SettlementContract
	escrows       map[string]*contracts.Escrow // by deal room
	escrowRooms   map[string]string            // escrow id -> deal room
	executions    map[string]*contracts.Execution
	executionKeys map[string]string
	confirmations map[string]*contracts.Confirmation
	confirmByExec map[string]string
	payouts       map[string][]*contracts.Payout            // by execution
	transactions  map[string][]*contracts.EscrowTransaction // by escrow
	tasks         map[string]*store.Task
	taskOrder     []string
}

var _ store.Store = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{
		contracts:     make(map[string]*contracts.SettlementContract),
		escrows:       make(map[string]*contracts.Escrow),
		escrowRooms:   make(map[string]string),
		executions:    make(map[string]*contracts.Execution),
		executionKeys: make(map[string]string),
		confirmations: make(map[string]*contracts.Confirmation),
		confirmByExec: make(map[string]string),
		payouts:       make(map[string][]*contracts.Payout),
		transactions:  make(map[string][]*contracts.EscrowTransaction),
		tasks:         make(map[string]*store.Task),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetContract(ctx context.Context, id string) (*contracts.SettlementContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getContract(id)
}

func (s *Store) GetEscrow(ctx context.Context, dealRoomID string) (*contracts.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getEscrow(dealRoomID)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*contracts.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExecution(id)
}

func (s *Store) GetExecutionByKey(ctx context.Context, key string) (*contracts.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExecutionByKey(key)
}

func (s *Store) GetConfirmation(ctx context.Context, id string) (*contracts.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConfirmation(id)
}

func (s *Store) GetConfirmationByExecution(ctx context.Context, executionID string) (*contracts.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConfirmationByExecution(executionID)
}

func (s *Store) ListActiveContracts(ctx context.Context, dealRoomID string) ([]*contracts.SettlementContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.SettlementContract
	for _, c := range s.contracts {
		if c.DealRoomID == dealRoomID && c.IsActive {
			out = append(out, copyContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveContract(ctx context.Context, c *contracts.SettlementContract) error {
	if c.ID == "" {
		return fmt.Errorf("contract id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	val := copyContract(c)
	if prev, ok := s.contracts[c.ID]; ok {
		// aggregates belong to the settlement commit path
		val.TotalDistributed = prev.TotalDistributed
		val.ExecutionCount = prev.ExecutionCount
		val.LastExecutedAt = copyTime(prev.LastExecutedAt)
		val.CreatedAt = prev.CreatedAt
	}
	s.contracts[c.ID] = val
	return nil
}

// SaveEscrow creates the escrow or updates its threshold. Balances are only
// changed through Tx.UpdateEscrowBalance.
func (s *Store) SaveEscrow(ctx context.Context, e *contracts.Escrow) error {
	if e.ID == "" || e.DealRoomID == "" {
		return fmt.Errorf("escrow id and deal room id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.escrows[e.DealRoomID]; ok {
		prev.MinimumBalanceThreshold = e.MinimumBalanceThreshold
		prev.UpdatedAt = e.UpdatedAt
		return nil
	}
	val := *e
	s.escrows[e.DealRoomID] = &val
	s.escrowRooms[e.ID] = e.DealRoomID
	return nil
}

func (s *Store) ListPayouts(ctx context.Context, executionID string) ([]*contracts.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.Payout, 0, len(s.payouts[executionID]))
	for _, p := range s.payouts[executionID] {
		val := *p
		out = append(out, &val)
	}
	return out, nil
}

func (s *Store) ListEscrowTransactions(ctx context.Context, escrowID string) ([]*contracts.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.EscrowTransaction, 0, len(s.transactions[escrowID]))
	for _, t := range s.transactions[escrowID] {
		val := *t
		val.AttributionChain = append([]contracts.AttributionLink(nil), t.AttributionChain...)
		out = append(out, &val)
	}
	return out, nil
}

func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Task
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.Status != store.TaskPending {
			continue
		}
		val := *t
		out = append(out, &val)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkTaskDone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = store.TaskDone
	return nil
}

func (s *Store) MarkTaskFailed(ctx context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Attempts++
	if cause != nil {
		t.LastError = cause.Error()
	}
	return nil
}

// BeginTx takes the store lock for the lifetime of the transaction.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{s: s}, nil
}

// Unlocked readers, shared by Store and tx.

func (s *Store) getContract(id string) (*contracts.SettlementContract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyContract(c), nil
}

func (s *Store) getEscrow(dealRoomID string) (*contracts.Escrow, error) {
	e, ok := s.escrows[dealRoomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	val := *e
	return &val, nil
}

func (s *Store) getExecution(id string) (*contracts.Execution, error) {
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyExecution(e), nil
}

func (s *Store) getExecutionByKey(key string) (*contracts.Execution, error) {
	id, ok := s.executionKeys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.getExecution(id)
}

func (s *Store) getConfirmation(id string) (*contracts.Confirmation, error) {
	c, ok := s.confirmations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyConfirmation(c), nil
}

func (s *Store) getConfirmationByExecution(executionID string) (*contracts.Confirmation, error) {
	id, ok := s.confirmByExec[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.getConfirmation(id)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyContract(c *contracts.SettlementContract) *contracts.SettlementContract {
	val := *c
	val.PayoutRules = append([]contracts.PayoutRule(nil), c.PayoutRules...)
	val.LastExecutedAt = copyTime(c.LastExecutedAt)
	return &val
}

func copyExecution(e *contracts.Execution) *contracts.Execution {
	val := *e
	if e.TriggerData != nil {
		val.TriggerData = make(map[string]any, len(e.TriggerData))
		for k, v := range e.TriggerData {
			val.TriggerData[k] = v
		}
	}
	val.AttributionChain = append([]contracts.AttributionLink(nil), e.AttributionChain...)
	val.ExecutedAt = copyTime(e.ExecutedAt)
	return &val
}

func copyConfirmation(c *contracts.Confirmation) *contracts.Confirmation {
	val := *c
	val.ResolvedAt = copyTime(c.ResolvedAt)
	if c.Metadata != nil {
		val.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			val.Metadata[k] = v
		}
	}
	return &val
}
