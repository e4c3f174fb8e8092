// Package store defines the transactional data-access boundary of the
// settlement engine. Implementations live in subpackages (memory, sqlstore).
//
// The engine requires atomic multi-row transactions with at least
// read-committed isolation and a row-level lock on the escrow row taken by
// UpdateEscrowBalance.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateKey is returned when an insert violates a uniqueness constraint
	// (for executions, the idempotency key).
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrInsufficientFunds is returned when a balance update would make an escrow negative.
	ErrInsufficientFunds = errors.New("store: escrow balance would go negative")
	// ErrStaleState is returned when a compare-and-swap status update finds an
	// unexpected current status.
	ErrStaleState = errors.New("store: stale state")
)

// TaskKind identifies an outbox task handler.
type TaskKind string

const (
	TaskResumeSettlement TaskKind = "resume_settlement"
	TaskPublishEvent     TaskKind = "publish_event"
)

// TaskStatus of an outbox task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
)

// Task is a durable unit of follow-up work written in the same transaction as
// the state change that requires it.
type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Payload     []byte     `json:"payload"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// Reader is the read surface shared by Store and Tx.
type Reader interface {
	GetContract(ctx context.Context, id string) (*contracts.SettlementContract, error)
	GetEscrow(ctx context.Context, dealRoomID string) (*contracts.Escrow, error)
	GetExecution(ctx context.Context, id string) (*contracts.Execution, error)
	GetExecutionByKey(ctx context.Context, idempotencyKey string) (*contracts.Execution, error)
	GetConfirmation(ctx context.Context, id string) (*contracts.Confirmation, error)
	GetConfirmationByExecution(ctx context.Context, executionID string) (*contracts.Confirmation, error)
}

// Store is the non-transactional entry point.
type Store interface {
	Reader

	ListActiveContracts(ctx context.Context, dealRoomID string) ([]*contracts.SettlementContract, error)
	SaveContract(ctx context.Context, c *contracts.SettlementContract) error
	SaveEscrow(ctx context.Context, e *contracts.Escrow) error
	ListPayouts(ctx context.Context, executionID string) ([]*contracts.Payout, error)
	ListEscrowTransactions(ctx context.Context, escrowID string) ([]*contracts.EscrowTransaction, error)

	PendingTasks(ctx context.Context, limit int) ([]*Task, error)
	MarkTaskDone(ctx context.Context, id string) error
	MarkTaskFailed(ctx context.Context, id string, cause error) error

	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// StatusUpdate describes a compare-and-swap execution transition.
type StatusUpdate struct {
	From              []contracts.ExecutionStatus
	To                contracts.ExecutionStatus
	ReasonCode        contracts.ReasonCode
	ErrorMessage      string
	DistributedAmount *decimal.Decimal
	ExecutedAt        *time.Time
}

// Tx is one atomic unit of work. Rollback after Commit is a no-op so callers
// can always defer it.
type Tx interface {
	Reader

	InsertExecution(ctx context.Context, e *contracts.Execution) error
	UpdateExecutionStatus(ctx context.Context, id string, u StatusUpdate) error

	InsertConfirmation(ctx context.Context, c *contracts.Confirmation) error
	UpdateConfirmationStatus(ctx context.Context, id string, from, to contracts.ConfirmationStatus, resolvedAt time.Time, metadata map[string]any) error
	ListOverdueConfirmations(ctx context.Context, now time.Time, limit int) ([]*contracts.Confirmation, error)

	InsertPayouts(ctx context.Context, payouts []*contracts.Payout) error
	AppendEscrowTransaction(ctx context.Context, t *contracts.EscrowTransaction) error
	// UpdateEscrowBalance locks the escrow row and applies delta to the balance.
	// A negative delta also increases total_released, a positive one total_deposited.
	// Returns ErrInsufficientFunds, leaving the row unchanged, if the result would be negative.
	UpdateEscrowBalance(ctx context.Context, escrowID string, delta decimal.Decimal, at time.Time) (*contracts.Escrow, error)
	UpdateContractAggregates(ctx context.Context, contractID string, distributed decimal.Decimal, at time.Time) error

	EnqueueTask(ctx context.Context, t *Task) error

	Commit() error
	Rollback() error
}
