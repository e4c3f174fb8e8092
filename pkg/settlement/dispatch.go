package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/observability"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// DispatchRequest delivers one event to every active contract of a deal room.
type DispatchRequest struct {
	DealRoomID       string                      `json:"deal_room_id"`
	TriggerEvent     string                      `json:"trigger_event"`
	TriggerData      map[string]any              `json:"trigger_data"`
	AttributionChain []contracts.AttributionLink `json:"attribution_chain,omitempty"`
}

// Dispatch executes the deal room's active contracts one at a time in payout
// priority order, lowest first, so earlier contracts claim escrow funds
// before later ones. Ties break on creation time and then id.
//
// A failing contract does not stop the rest; the errors are joined.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (results []*contracts.ExecutionResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "settlement.dispatch",
		observability.AttrDealRoomID.String(req.DealRoomID),
		observability.AttrTriggerEvent.String(req.TriggerEvent))
	defer func() { done(err) }()

	if req.DealRoomID == "" || req.TriggerEvent == "" {
		return nil, fmt.Errorf("%w: deal_room_id and trigger_event are required", ErrInvalidRequest)
	}
	if _, err := contracts.ParseTriggerData(req.TriggerData); err != nil {
		return nil, fmt.Errorf("%w: trigger data: %v", ErrInvalidRequest, err)
	}

	active, err := e.store.ListActiveContracts(ctx, req.DealRoomID)
	if err != nil {
		return nil, fmt.Errorf("list contracts for deal room %s: %w", req.DealRoomID, err)
	}
	SortByPriority(active)

	var errs []error
	results = make([]*contracts.ExecutionResult, 0, len(active))
	for _, c := range active {
		res, err := e.Execute(ctx, Request{
			ContractID:       c.ID,
			TriggerEvent:     req.TriggerEvent,
			TriggerData:      req.TriggerData,
			AttributionChain: req.AttributionChain,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", c.ID, err))
		}
		if res == nil {
			res = &contracts.ExecutionResult{ContractID: c.ID, Error: err.Error(), ReasonCode: contracts.ReasonFailed}
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// SortByPriority orders contracts for settlement.
func SortByPriority(cs []*contracts.SettlementContract) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.PayoutPriority != b.PayoutPriority {
			return a.PayoutPriority < b.PayoutPriority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// DepositRequest credits a deal room's escrow.
type DepositRequest struct {
	DealRoomID        string                      `json:"deal_room_id"`
	Amount            decimal.Decimal             `json:"amount"`
	Description       string                      `json:"description,omitempty"`
	RevenueSourceType string                      `json:"revenue_source_type,omitempty"`
	SourceEntity      string                      `json:"source_entity,omitempty"`
	AttributionChain  []contracts.AttributionLink `json:"attribution_chain,omitempty"`

	// CreateIfMissing opens the escrow on first deposit with
	// MinimumBalanceThreshold as its kill-switch threshold.
	CreateIfMissing         bool             `json:"create_if_missing,omitempty"`
	MinimumBalanceThreshold *decimal.Decimal `json:"minimum_balance_threshold,omitempty"`
}

// DepositedEvent is published on escrow.deposited.
type DepositedEvent struct {
	EscrowID      string          `json:"escrow_id"`
	DealRoomID    string          `json:"deal_room_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	DepositedAt   time.Time       `json:"deposited_at"`
}

// Deposit credits the escrow and appends the deposit ledger entry atomically.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (esc *contracts.Escrow, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "settlement.deposit", observability.AttrDealRoomID.String(req.DealRoomID))
	defer func() { done(err) }()

	if req.DealRoomID == "" {
		return nil, fmt.Errorf("%w: deal_room_id is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidRequest)
	}

	esc, err = e.store.GetEscrow(ctx, req.DealRoomID)
	if errors.Is(err, store.ErrNotFound) && req.CreateIfMissing {
		esc, err = e.openEscrow(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow for deal room %s: %w", req.DealRoomID, err)
	}

	now := e.now()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	updated, err := tx.UpdateEscrowBalance(ctx, esc.ID, req.Amount, now)
	if err != nil {
		return nil, fmt.Errorf("credit escrow %s: %w", esc.ID, err)
	}
	desc := req.Description
	if desc == "" {
		desc = "escrow deposit"
	}
	entry := &contracts.EscrowTransaction{
		ID:                uuid.New().String(),
		EscrowID:          esc.ID,
		Type:              contracts.TransactionDeposit,
		Amount:            req.Amount,
		Description:       desc,
		RevenueSourceType: req.RevenueSourceType,
		SourceEntity:      req.SourceEntity,
		AttributionChain:  req.AttributionChain,
		CreatedAt:         now,
	}
	if err := entry.Seal(); err != nil {
		return nil, fmt.Errorf("hash ledger entry: %w", err)
	}
	if err := tx.AppendEscrowTransaction(ctx, entry); err != nil {
		return nil, fmt.Errorf("append escrow transaction: %w", err)
	}
	task, err := outbox.NewPublishTask(outbox.SubjectEscrowDeposited, DepositedEvent{
		EscrowID:      esc.ID,
		DealRoomID:    req.DealRoomID,
		TransactionID: entry.ID,
		Amount:        req.Amount,
		Balance:       updated.CurrentBalance,
		DepositedAt:   now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := tx.EnqueueTask(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue deposit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deposit: %w", err)
	}

	e.logger.InfoContext(ctx, "escrow deposit recorded",
		"deal_room_id", req.DealRoomID,
		"escrow_id", esc.ID,
		"amount", req.Amount.String(),
		"balance", updated.CurrentBalance.String(),
	)
	return updated, nil
}

func (e *Engine) openEscrow(ctx context.Context, req DepositRequest) (*contracts.Escrow, error) {
	esc := &contracts.Escrow{
		ID:         uuid.New().String(),
		DealRoomID: req.DealRoomID,
		UpdatedAt:  e.now(),
	}
	if req.MinimumBalanceThreshold != nil {
		esc.MinimumBalanceThreshold = *req.MinimumBalanceThreshold
	}
	if err := e.store.SaveEscrow(ctx, esc); err != nil {
		return nil, err
	}
	// a concurrent first deposit may have won the insert
	return e.store.GetEscrow(ctx, req.DealRoomID)
}
