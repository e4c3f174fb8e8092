package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

func seedEscrow(t *testing.T, s *Store, balance int64) *contracts.Escrow {
	t.Helper()
	e := &contracts.Escrow{
		ID:                      "esc-1",
		DealRoomID:              "room-1",
		CurrentBalance:          decimal.NewFromInt(balance),
		MinimumBalanceThreshold: decimal.NewFromInt(10),
	}
	require.NoError(t, s.SaveEscrow(context.Background(), e))
	return e
}

func TestTx_RollbackRestoresState(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEscrow(t, s, 1000)
	require.NoError(t, s.SaveContract(ctx, &contracts.SettlementContract{ID: "c-1", DealRoomID: "room-1", IsActive: true}))

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertExecution(ctx, &contracts.Execution{ID: "ex-1", IdempotencyKey: "k1", Status: contracts.ExecutionProcessing}))
	_, err = tx.UpdateEscrowBalance(ctx, "esc-1", decimal.NewFromInt(-300), time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.AppendEscrowTransaction(ctx, &contracts.EscrowTransaction{ID: "t-1", EscrowID: "esc-1", Amount: decimal.NewFromInt(300)}))
	require.NoError(t, tx.InsertPayouts(ctx, []*contracts.Payout{{ID: "p-1", ExecutionID: "ex-1", Amount: decimal.NewFromInt(300)}}))
	require.NoError(t, tx.UpdateContractAggregates(ctx, "c-1", decimal.NewFromInt(300), time.Now()))
	require.NoError(t, tx.EnqueueTask(ctx, &store.Task{ID: "task-1", Kind: store.TaskPublishEvent}))
	require.NoError(t, tx.Rollback())

	_, err = s.GetExecution(ctx, "ex-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetExecutionByKey(ctx, "k1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	e, err := s.GetEscrow(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, e.CurrentBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, e.TotalReleased.IsZero())

	txs, _ := s.ListEscrowTransactions(ctx, "esc-1")
	assert.Empty(t, txs)
	payouts, _ := s.ListPayouts(ctx, "ex-1")
	assert.Empty(t, payouts)
	tasks, _ := s.PendingTasks(ctx, 10)
	assert.Empty(t, tasks)

	c, err := s.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.ExecutionCount)

	// rollback after finish is a no-op
	assert.NoError(t, tx.Rollback())
}

func TestTx_EscrowGuard(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEscrow(t, s, 100)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = tx.UpdateEscrowBalance(ctx, "esc-1", decimal.NewFromInt(-101), time.Now())
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)

	e, err := tx.UpdateEscrowBalance(ctx, "esc-1", decimal.NewFromInt(-100), time.Now())
	require.NoError(t, err)
	assert.True(t, e.CurrentBalance.IsZero())
	assert.True(t, e.TotalReleased.Equal(decimal.NewFromInt(100)))

	e, err = tx.UpdateEscrowBalance(ctx, "esc-1", decimal.NewFromInt(25), time.Now())
	require.NoError(t, err)
	assert.True(t, e.TotalDeposited.Equal(decimal.NewFromInt(25)))
	require.NoError(t, tx.Commit())
}

func TestTx_DuplicateKeyAndCAS(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertExecution(ctx, &contracts.Execution{ID: "ex-1", IdempotencyKey: "k", Status: contracts.ExecutionProcessing}))
	err = tx.InsertExecution(ctx, &contracts.Execution{ID: "ex-2", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	now := time.Now()
	amount := decimal.NewFromInt(5)
	require.NoError(t, tx.UpdateExecutionStatus(ctx, "ex-1", store.StatusUpdate{
		From:              []contracts.ExecutionStatus{contracts.ExecutionProcessing},
		To:                contracts.ExecutionCompleted,
		DistributedAmount: &amount,
		ExecutedAt:        &now,
	}))
	err = tx.UpdateExecutionStatus(ctx, "ex-1", store.StatusUpdate{
		From: []contracts.ExecutionStatus{contracts.ExecutionProcessing},
		To:   contracts.ExecutionFailed,
	})
	assert.True(t, errors.Is(err, store.ErrStaleState))
	require.NoError(t, tx.Commit())

	ex, err := s.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, ex.Status)
	assert.True(t, ex.DistributedAmount.Equal(amount))
}

func TestConfirmations_CASAndOverdue(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertConfirmation(ctx, &contracts.Confirmation{ID: "cf-1", ExecutionID: "ex-1", Status: contracts.ConfirmationPending, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, tx.InsertConfirmation(ctx, &contracts.Confirmation{ID: "cf-2", ExecutionID: "ex-2", Status: contracts.ConfirmationPending, ExpiresAt: now.Add(time.Hour)}))
	overdue, err := tx.ListOverdueConfirmations(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "cf-1", overdue[0].ID)

	require.NoError(t, tx.UpdateConfirmationStatus(ctx, "cf-2", contracts.ConfirmationPending, contracts.ConfirmationConfirmed, now, map[string]any{"by": "crm"}))
	err = tx.UpdateConfirmationStatus(ctx, "cf-2", contracts.ConfirmationPending, contracts.ConfirmationRejected, now, nil)
	assert.ErrorIs(t, err, store.ErrStaleState)
	require.NoError(t, tx.Commit())

	c, err := s.GetConfirmationByExecution(ctx, "ex-2")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfirmationConfirmed, c.Status)
	assert.Equal(t, "crm", c.Metadata["by"])
}

func TestSaveContract_KeepsAggregates(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveContract(ctx, &contracts.SettlementContract{ID: "c-1", DealRoomID: "room-1", IsActive: true}))

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateContractAggregates(ctx, "c-1", decimal.NewFromInt(40), time.Now()))
	require.NoError(t, tx.Commit())

	require.NoError(t, s.SaveContract(ctx, &contracts.SettlementContract{ID: "c-1", DealRoomID: "room-1", IsActive: false}))
	c, err := s.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, c.IsActive)
	assert.True(t, c.TotalDistributed.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, int64(1), c.ExecutionCount)

	active, err := s.ListActiveContracts(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
