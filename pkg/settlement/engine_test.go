package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settlement/pkg/confirmation"
	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/idempotency"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/store"
	"github.com/Mindburn-Labs/settlement/pkg/store/memory"
	"github.com/Mindburn-Labs/settlement/pkg/trigger"
)

type fixture struct {
	store  store.Store
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	eval, err := trigger.NewEvaluator()
	require.NoError(t, err)
	f := &fixture{store: st, now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	gate := confirmation.NewGate(24 * time.Hour).WithClock(func() time.Time { return f.now })
	f.engine = New(st, eval, append([]Option{WithGate(gate)}, opts...)...)
	return f
}

func d(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func milestoneContract(id, room string) *contracts.SettlementContract {
	return &contracts.SettlementContract{
		ID:          id,
		DealRoomID:  room,
		Name:        "milestone payout",
		TriggerType: contracts.TriggerMilestone,
		Conditions:  contracts.MilestoneCondition{MilestoneID: "M1"},
		PayoutRules: []contracts.PayoutRule{{ParticipantID: "X", Percentage: d(100)}},
		IsActive:    true,
		CreatedAt:   time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func manualContract(id, room string, priority int) *contracts.SettlementContract {
	return &contracts.SettlementContract{
		ID:             id,
		DealRoomID:     room,
		TriggerType:    contracts.TriggerManual,
		Conditions:     contracts.ManualCondition{},
		PayoutRules:    []contracts.PayoutRule{{ParticipantID: "ops", Percentage: d(100)}},
		IsActive:       true,
		PayoutPriority: priority,
		CreatedAt:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) saveContract(t *testing.T, c *contracts.SettlementContract) {
	t.Helper()
	require.NoError(t, f.store.SaveContract(context.Background(), c))
}

func (f *fixture) saveEscrow(t *testing.T, room string, balance, threshold int64) *contracts.Escrow {
	t.Helper()
	esc := &contracts.Escrow{
		ID:                      "esc-" + room,
		DealRoomID:              room,
		CurrentBalance:          d(balance),
		MinimumBalanceThreshold: d(threshold),
		TotalDeposited:          d(balance),
		UpdatedAt:               f.now,
	}
	require.NoError(t, f.store.SaveEscrow(context.Background(), esc))
	return esc
}

func (f *fixture) escrow(t *testing.T, room string) *contracts.Escrow {
	t.Helper()
	esc, err := f.store.GetEscrow(context.Background(), room)
	require.NoError(t, err)
	return esc
}

func milestoneRequest(contractID string, amount int64) Request {
	return Request{
		ContractID:   contractID,
		TriggerEvent: trigger.EventMilestoneCompleted,
		TriggerData:  map[string]any{"milestoneId": "M1", "amount": float64(amount)},
		AttributionChain: []contracts.AttributionLink{
			{EntityType: "deal", EntityID: "deal-7", Relation: "closed_by"},
		},
	}
}

func assertNoExecution(t *testing.T, st store.Store, req Request) {
	t.Helper()
	data, err := contracts.ParseTriggerData(req.TriggerData)
	require.NoError(t, err)
	key, err := idempotency.Key(req.ContractID, req.TriggerEvent, data)
	require.NoError(t, err)
	_, err = st.GetExecutionByKey(context.Background(), key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_MilestoneEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	f.saveContract(t, milestoneContract("c-1", "room-1"))
	f.saveEscrow(t, "room-1", 1000, 0)

	res, err := f.engine.Execute(ctx, milestoneRequest("c-1", 300))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, contracts.ReasonCompleted, res.ReasonCode)
	assert.Equal(t, contracts.ExecutionCompleted, res.Status)
	assert.True(t, res.DistributedAmount.Equal(d(300)))
	assert.Equal(t, 1, *res.PayoutCount)

	esc := f.escrow(t, "room-1")
	assert.True(t, esc.CurrentBalance.Equal(d(700)), esc.CurrentBalance.String())
	assert.True(t, esc.TotalReleased.Equal(d(300)))

	payouts, err := f.store.ListPayouts(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "X", payouts[0].ParticipantID)
	assert.True(t, payouts[0].Amount.Equal(d(300)))

	txs, err := f.store.ListEscrowTransactions(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, contracts.TransactionPayout, txs[0].Type)
	assert.Equal(t, res.ExecutionID, txs[0].ExecutionID)
	assert.Equal(t, "deal-7", txs[0].AttributionChain[0].EntityID)
	assert.Contains(t, txs[0].ContentHash, "sha256:")
	assert.True(t, txs[0].Verify())

	c, err := f.store.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.TotalDistributed.Equal(d(300)))
	assert.Equal(t, int64(1), c.ExecutionCount)

	exec, err := f.store.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.ExecutedAt)

	tasks, err := f.store.PendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskPublishEvent, tasks[0].Kind)
	var payload outbox.PublishPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &payload))
	assert.Equal(t, outbox.SubjectSettlementCompleted, payload.Subject)
	var event CompletedEvent
	require.NoError(t, json.Unmarshal(payload.Data, &event))
	assert.Equal(t, res.ExecutionID, event.ExecutionID)
	require.NotNil(t, event.EscrowBalance)
	assert.True(t, event.EscrowBalance.Equal(d(700)))
}

func TestExecute_PreflightRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("contract not found", func(t *testing.T) {
		f := newFixture(t, memory.New())
		res, err := f.engine.Execute(ctx, milestoneRequest("missing", 300))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, contracts.ReasonContractNotFound, res.ReasonCode)
	})

	t.Run("contract inactive", func(t *testing.T) {
		f := newFixture(t, memory.New())
		c := milestoneContract("c-1", "room-1")
		c.IsActive = false
		f.saveContract(t, c)
		req := milestoneRequest("c-1", 300)
		res, err := f.engine.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, contracts.ReasonContractInactive, res.ReasonCode)
		assertNoExecution(t, f.store, req)
	})

	t.Run("kill switch", func(t *testing.T) {
		f := newFixture(t, memory.New())
		f.saveContract(t, milestoneContract("c-1", "room-1"))
		f.saveEscrow(t, "room-1", 40, 50)
		req := milestoneRequest("c-1", 30)
		res, err := f.engine.Execute(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, contracts.ReasonWorkflowsPaused, res.ReasonCode)
		assert.True(t, res.CurrentBalance.Equal(d(40)))
		assert.True(t, res.Threshold.Equal(d(50)))
		assert.Empty(t, res.ExecutionID)
		assertNoExecution(t, f.store, req)
		assert.True(t, f.escrow(t, "room-1").CurrentBalance.Equal(d(40)))
	})

	t.Run("contract minimum escrow", func(t *testing.T) {
		f := newFixture(t, memory.New())
		c := milestoneContract("c-1", "room-1")
		c.MinimumEscrowRequired = d(500)
		f.saveContract(t, c)
		f.saveEscrow(t, "room-1", 400, 0)
		req := milestoneRequest("c-1", 300)
		res, err := f.engine.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, contracts.ReasonInsufficientEscrow, res.ReasonCode)
		assert.True(t, res.Threshold.Equal(d(500)))
		assertNoExecution(t, f.store, req)
	})
}

func TestExecute_TriggerAndAmountNoOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	min := d(1000)
	f.saveContract(t, &contracts.SettlementContract{
		ID:          "rev",
		DealRoomID:  "room-1",
		TriggerType: contracts.TriggerRevenue,
		Conditions:  contracts.RevenueCondition{MinimumAmount: &min},
		PayoutRules: []contracts.PayoutRule{
			{ParticipantID: "A", Percentage: d(70)},
			{ParticipantID: "B", Percentage: d(30)},
		},
		IsActive: true,
	})
	f.saveEscrow(t, "room-1", 5000, 0)

	below := Request{ContractID: "rev", TriggerEvent: trigger.EventRevenueRecorded, TriggerData: map[string]any{"amount": 500.0}}
	res, err := f.engine.Execute(ctx, below)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, contracts.ReasonTriggerNotMet, res.ReasonCode)
	assertNoExecution(t, f.store, below)

	wrongEvent := Request{ContractID: "rev", TriggerEvent: trigger.EventDealClosed, TriggerData: map[string]any{"amount": 1500.0}}
	res, err = f.engine.Execute(ctx, wrongEvent)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonTriggerNotMet, res.ReasonCode)

	above := Request{ContractID: "rev", TriggerEvent: trigger.EventRevenueRecorded, TriggerData: map[string]any{"amount": 1500.0}}
	res, err = f.engine.Execute(ctx, above)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCompleted, res.ReasonCode)
	assert.Equal(t, 2, *res.PayoutCount)
	assert.True(t, f.escrow(t, "room-1").CurrentBalance.Equal(d(3500)))

	f.saveContract(t, manualContract("manual", "room-1", 0))
	zero := Request{ContractID: "manual", TriggerEvent: trigger.EventManualTrigger, TriggerData: map[string]any{"amount": 0.0}}
	res, err = f.engine.Execute(ctx, zero)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, contracts.ReasonNoAmountToDistribute, res.ReasonCode)
	assertNoExecution(t, f.store, zero)
}

func TestExecute_InvalidRequest(t *testing.T) {
	f := newFixture(t, memory.New())
	_, err := f.engine.Execute(context.Background(), Request{ContractID: "c-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.Execute(context.Background(), Request{
		ContractID:   "c-1",
		TriggerEvent: trigger.EventManualTrigger,
		TriggerData:  map[string]any{"amount": true},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExecute_ConditionExpression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	c := manualContract("c-1", "room-1", 0)
	c.ConditionExpression = `data.region == "emea"`
	f.saveContract(t, c)
	f.saveEscrow(t, "room-1", 100, 0)

	res, err := f.engine.Execute(ctx, Request{ContractID: "c-1", TriggerEvent: trigger.EventManualTrigger,
		TriggerData: map[string]any{"amount": 10.0, "region": "apac"}})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonTriggerNotMet, res.ReasonCode)

	res, err = f.engine.Execute(ctx, Request{ContractID: "c-1", TriggerEvent: trigger.EventManualTrigger,
		TriggerData: map[string]any{"amount": 10.0, "region": "emea"}})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCompleted, res.ReasonCode)
}

func TestExecute_DuplicatePaysOnce(t *testing.T) {
	for name, opts := range map[string][]Option{
		"store only": nil,
		"with cache": {WithCache(idempotency.NewMemoryCache(time.Hour))},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, memory.New(), opts...)
			f.saveContract(t, milestoneContract("c-1", "room-1"))
			f.saveEscrow(t, "room-1", 1000, 0)

			first, err := f.engine.Execute(ctx, milestoneRequest("c-1", 300))
			require.NoError(t, err)
			require.Equal(t, contracts.ReasonCompleted, first.ReasonCode)

			second, err := f.engine.Execute(ctx, milestoneRequest("c-1", 300))
			require.NoError(t, err)
			assert.True(t, second.Success)
			assert.Equal(t, contracts.ReasonDuplicate, second.ReasonCode)
			assert.Equal(t, first.ExecutionID, second.ExecutionID)
			assert.Equal(t, contracts.ExecutionCompleted, second.Status)

			assert.True(t, f.escrow(t, "room-1").CurrentBalance.Equal(d(700)))
		})
	}
}

func TestExecute_ExternalReferenceIdentifiesFiring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	f.saveContract(t, manualContract("c-1", "room-1", 0))
	f.saveEscrow(t, "room-1", 1000, 0)

	req := func(amount float64) Request {
		return Request{ContractID: "c-1", TriggerEvent: trigger.EventManualTrigger,
			TriggerData: map[string]any{"amount": amount, "externalReferenceId": "inv-42"}}
	}
	res, err := f.engine.Execute(ctx, req(100))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCompleted, res.ReasonCode)

	// same reference, different payload: still the same firing
	res, err = f.engine.Execute(ctx, req(250))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonDuplicate, res.ReasonCode)
	assert.True(t, f.escrow(t, "room-1").CurrentBalance.Equal(d(900)))
}

func TestExecute_OffLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	f.saveContract(t, milestoneContract("c-1", "room-1"))

	res, err := f.engine.Execute(ctx, milestoneRequest("c-1", 300))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonCompleted, res.ReasonCode)

	payouts, err := f.store.ListPayouts(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
	c, err := f.store.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.TotalDistributed.Equal(d(300)))
}

func TestExecute_BalanceGuardFailsExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	f.saveContract(t, milestoneContract("c-1", "room-1"))
	f.saveEscrow(t, "room-1", 100, 0)

	res, err := f.engine.Execute(ctx, milestoneRequest("c-1", 150))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, contracts.ReasonInsufficientEscrow, res.ReasonCode)
	assert.NotEmpty(t, res.ExecutionID)

	exec, err := f.store.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionFailed, exec.Status)
	assert.Equal(t, contracts.ReasonInsufficientEscrow, exec.ReasonCode)

	esc := f.escrow(t, "room-1")
	assert.True(t, esc.CurrentBalance.Equal(d(100)))
	assert.True(t, esc.TotalReleased.IsZero())
	payouts, err := f.store.ListPayouts(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestExecute_NoPayoutsComputed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())
	c := manualContract("c-1", "room-1", 0)
	c.PayoutRules = nil
	f.saveContract(t, c)
	f.saveEscrow(t, "room-1", 100, 0)

	res, err := f.engine.Execute(ctx, Request{ContractID: "c-1", TriggerEvent: trigger.EventManualTrigger,
		TriggerData: map[string]any{"amount": 10.0}})
	require.Error(t, err)
	assert.Equal(t, contracts.ReasonFailed, res.ReasonCode)
	assert.Equal(t, "no payouts computed", res.Error)
	exec, err := f.store.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionFailed, exec.Status)
}

// faultyStore fails payout inserts inside otherwise real transactions.
type faultyStore struct {
	store.Store
	mu          sync.Mutex
	failPayouts bool
}

func (s *faultyStore) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	fail := s.failPayouts
	s.mu.Unlock()
	return &faultyTx{Tx: tx, failPayouts: fail}, nil
}

type faultyTx struct {
	store.Tx
	failPayouts bool
}

func (t *faultyTx) InsertPayouts(ctx context.Context, payouts []*contracts.Payout) error {
	if t.failPayouts {
		return errors.New("disk full")
	}
	return t.Tx.InsertPayouts(ctx, payouts)
}

func TestExecute_CommitFailureLeavesEscrowUntouched(t *testing.T) {
	ctx := context.Background()
	st := &faultyStore{Store: memory.New(), failPayouts: true}
	f := newFixture(t, st)
	f.saveContract(t, milestoneContract("c-1", "room-1"))
	f.saveEscrow(t, "room-1", 1000, 0)

	res, err := f.engine.Execute(ctx, milestoneRequest("c-1", 300))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, contracts.ReasonFailed, res.ReasonCode)
	assert.Equal(t, contracts.ExecutionFailed, res.Status)

	exec, err := st.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "disk full")

	esc := f.escrow(t, "room-1")
	assert.True(t, esc.CurrentBalance.Equal(d(1000)))
	txs, err := st.ListEscrowTransactions(ctx, esc.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
	c, err := st.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.Zero(t, c.ExecutionCount)
	tasks, err := st.PendingTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// a replay of the failed firing is a duplicate, not a second attempt
	st.mu.Lock()
	st.failPayouts = false
	st.mu.Unlock()
	res, err = f.engine.Execute(ctx, milestoneRequest("c-1", 300))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonDuplicate, res.ReasonCode)
	assert.Equal(t, contracts.ExecutionFailed, res.Status)
}

func TestExecute_ConcurrentDebitsStayNonNegative(t *testing.T) {
	runConcurrentDebits(t, memory.New())
}

func runConcurrentDebits(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t, st)
	f.saveContract(t, manualContract("c-1", "room-1", 0))
	f.saveEscrow(t, "room-1", 95, 0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		rejected  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Execute(ctx, Request{
				ContractID:   "c-1",
				TriggerEvent: trigger.EventManualTrigger,
				TriggerData:  map[string]any{"amount": 10.0, "externalReferenceId": fmt.Sprintf("ref-%d", i)},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.ReasonCode == contracts.ReasonCompleted:
				completed++
			case errors.Is(err, store.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected outcome: %+v %v", res, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 9, completed)
	assert.Equal(t, 11, rejected)
	esc := f.escrow(t, "room-1")
	assert.True(t, esc.CurrentBalance.Equal(d(5)), esc.CurrentBalance.String())
	assert.True(t, esc.TotalReleased.Equal(d(90)))
}

func TestSaveContract_Validates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New())

	c := manualContract("c-1", "room-1", 0)
	c.ConditionExpression = "data.amount >"
	assert.ErrorIs(t, f.engine.SaveContract(ctx, c), ErrInvalidRequest)

	c.ConditionExpression = ""
	c.TriggerType = "bogus"
	assert.ErrorIs(t, f.engine.SaveContract(ctx, c), ErrInvalidRequest)

	c = manualContract("c-1", "room-1", 0)
	c.CreatedAt = time.Time{}
	require.NoError(t, f.engine.SaveContract(ctx, c))
	stored, err := f.store.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, f.now, stored.CreatedAt.UTC())
}
