// Package settlement is the orchestrator of the engine. It decides whether a
// trigger fires a contract, parks executions behind external confirmation,
// and commits payouts together with the escrow debit in one transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/confirmation"
	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/idempotency"
	"github.com/Mindburn-Labs/settlement/pkg/observability"
	"github.com/Mindburn-Labs/settlement/pkg/outbox"
	"github.com/Mindburn-Labs/settlement/pkg/store"
	"github.com/Mindburn-Labs/settlement/pkg/trigger"
)

var (
	// ErrInvalidRequest marks caller input the engine cannot act on.
	ErrInvalidRequest = errors.New("settlement: invalid request")
	// ErrNotConfirmed is returned when resuming an execution whose
	// confirmation has not been granted.
	ErrNotConfirmed = errors.New("settlement: confirmation not granted")

	errNoPayouts = errors.New("no payouts computed")
)

// DefaultSweepLimit bounds how many confirmations one sweep expires.
const DefaultSweepLimit = 100

// Request is one inbound trigger for a single contract.
type Request struct {
	ContractID       string                      `json:"contract_id"`
	TriggerEvent     string                      `json:"trigger_event"`
	TriggerData      map[string]any              `json:"trigger_data"`
	AttributionChain []contracts.AttributionLink `json:"attribution_chain,omitempty"`
}

// Engine executes settlement contracts. It holds only collaborators, so one
// Engine serves concurrent calls.
type Engine struct {
	store     store.Store
	evaluator *trigger.Evaluator
	gate      *confirmation.Gate
	cache     idempotency.Cache
	obs       *observability.Provider
	logger    *slog.Logger
}

var _ outbox.Resumer = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the idempotency fast path. Without one every replay is
// caught by the store.
func WithCache(c idempotency.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithGate sets the confirmation gate, and with it the engine clock.
func WithGate(g *confirmation.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// New creates an engine over st using evaluator for trigger decisions.
func New(st store.Store, evaluator *trigger.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		evaluator: evaluator,
		logger:    slog.Default().With("component", "settlement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gate == nil {
		e.gate = confirmation.NewGate(confirmation.DefaultWindow)
	}
	if e.obs == nil {
		e.obs = observability.Noop()
	}
	return e
}

func (e *Engine) now() time.Time { return e.gate.Now().UTC() }

// SaveContract checks the contract's condition expression and stores it.
// Running aggregates of an existing contract are kept.
func (e *Engine) SaveContract(ctx context.Context, c *contracts.SettlementContract) error {
	if c.ID == "" || c.DealRoomID == "" {
		return fmt.Errorf("%w: contract id and deal_room_id are required", ErrInvalidRequest)
	}
	if !c.TriggerType.Valid() {
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRequest, c.TriggerType)
	}
	if c.ConditionExpression != "" {
		if err := e.evaluator.Compile(c.ConditionExpression); err != nil {
			return fmt.Errorf("%w: condition expression: %v", ErrInvalidRequest, err)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.now()
	}
	if err := e.store.SaveContract(ctx, c); err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	e.logger.InfoContext(ctx, "contract saved",
		"contract_id", c.ID, "deal_room_id", c.DealRoomID, "trigger_type", c.TriggerType, "active", c.IsActive)
	return nil
}

// Execute runs the settlement pipeline for one contract and trigger.
//
// Pre-flight rejections and no-op outcomes return a result and a nil error
// without writing anything. Failures after the execution row exists mark it
// failed and return the result together with the error.
func (e *Engine) Execute(ctx context.Context, req Request) (res *contracts.ExecutionResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "settlement.execute",
		observability.ContractOperation(req.ContractID, req.TriggerEvent)...)
	defer func() {
		done(err)
		e.record(ctx, res)
	}()

	if req.ContractID == "" || req.TriggerEvent == "" {
		return nil, fmt.Errorf("%w: contract_id and trigger_event are required", ErrInvalidRequest)
	}
	data, err := contracts.ParseTriggerData(req.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("%w: trigger data: %v", ErrInvalidRequest, err)
	}
	return e.execute(ctx, req, data)
}

func (e *Engine) execute(ctx context.Context, req Request, data contracts.TriggerData) (*contracts.ExecutionResult, error) {
	c, err := e.store.GetContract(ctx, req.ContractID)
	if errors.Is(err, store.ErrNotFound) {
		return rejection(req.ContractID, contracts.ReasonContractNotFound, "contract not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load contract %s: %w", req.ContractID, err)
	}
	if !c.IsActive {
		return rejection(c.ID, contracts.ReasonContractInactive, "contract is not active"), nil
	}

	esc, err := e.loadEscrow(ctx, c)
	if err != nil {
		return nil, err
	}
	if esc != nil {
		if esc.WorkflowsPaused() {
			res := rejection(c.ID, contracts.ReasonWorkflowsPaused, "workflows paused: escrow balance below minimum threshold")
			res.CurrentBalance = decPtr(esc.CurrentBalance)
			res.Threshold = decPtr(esc.MinimumBalanceThreshold)
			return res, nil
		}
		if c.RequiresMinimumEscrow() && esc.CurrentBalance.LessThan(c.MinimumEscrowRequired) {
			res := rejection(c.ID, contracts.ReasonInsufficientEscrow, "escrow balance below contract minimum")
			res.CurrentBalance = decPtr(esc.CurrentBalance)
			res.Threshold = decPtr(c.MinimumEscrowRequired)
			return res, nil
		}
	}

	if !e.evaluator.Match(ctx, c, req.TriggerEvent, data) {
		return &contracts.ExecutionResult{Success: true, ContractID: c.ID, ReasonCode: contracts.ReasonTriggerNotMet}, nil
	}
	if !data.Amount.IsPositive() {
		return &contracts.ExecutionResult{Success: true, ContractID: c.ID, ReasonCode: contracts.ReasonNoAmountToDistribute}, nil
	}

	key, err := idempotency.Key(c.ID, req.TriggerEvent, data)
	if err != nil {
		return nil, fmt.Errorf("derive idempotency key: %w", err)
	}
	if dup, err := e.findDuplicate(ctx, key); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	now := e.now()
	exec := &contracts.Execution{
		ID:                uuid.New().String(),
		ContractID:        c.ID,
		DealRoomID:        c.DealRoomID,
		TriggerEvent:      req.TriggerEvent,
		TriggerData:       data.Raw,
		IdempotencyKey:    key,
		AttributionChain:  req.AttributionChain,
		TotalAmount:       data.Amount,
		DistributedAmount: decimal.Zero,
		Status:            contracts.ExecutionProcessing,
		CreatedAt:         now,
	}
	if c.ExternalConfirmationRequired {
		exec.Status = contracts.ExecutionPendingConfirmation
		exec.ReasonCode = contracts.ReasonPendingConfirmation
	}

	conf, dup, err := e.insertExecution(ctx, c, exec, data)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return dup, nil
	}
	e.remember(ctx, key, exec.ID)

	if conf != nil {
		e.logger.InfoContext(ctx, "execution awaiting confirmation",
			"contract_id", c.ID, "execution_id", exec.ID,
			"confirmation_id", conf.ID, "expires_at", conf.ExpiresAt)
		return &contracts.ExecutionResult{
			Success:     true,
			ExecutionID: exec.ID,
			ContractID:  c.ID,
			Status:      exec.Status,
			ReasonCode:  contracts.ReasonPendingConfirmation,
		}, nil
	}
	return e.commit(ctx, c, exec, esc, data)
}

// loadEscrow returns nil when the deal room has no escrow. Any other error
// is returned so the call fails closed.
func (e *Engine) loadEscrow(ctx context.Context, c *contracts.SettlementContract) (*contracts.Escrow, error) {
	esc, err := e.store.GetEscrow(ctx, c.DealRoomID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.WarnContext(ctx, "no escrow for deal room, settling off-ledger",
			"contract_id", c.ID, "deal_room_id", c.DealRoomID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow for deal room %s: %w", c.DealRoomID, err)
	}
	return esc, nil
}

// insertExecution writes the execution row, and its confirmation when one is
// required, in one transaction. A key conflict yields the duplicate result.
func (e *Engine) insertExecution(ctx context.Context, c *contracts.SettlementContract, exec *contracts.Execution, data contracts.TriggerData) (*contracts.Confirmation, *contracts.ExecutionResult, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.InsertExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			_ = tx.Rollback()
			dup, derr := e.findDuplicate(ctx, exec.IdempotencyKey)
			if derr != nil {
				return nil, nil, derr
			}
			if dup != nil {
				return nil, dup, nil
			}
		}
		return nil, nil, fmt.Errorf("insert execution: %w", err)
	}

	var conf *contracts.Confirmation
	if c.ExternalConfirmationRequired {
		conf, err = e.gate.RequestConfirmation(ctx, tx, exec, c.ExternalConfirmationSource, data.SourceEntity(), c.ConfirmationWindow())
		if err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit execution: %w", err)
	}
	return conf, nil, nil
}

// findDuplicate returns the Duplicate result for key, or nil when no
// execution holds it yet.
func (e *Engine) findDuplicate(ctx context.Context, key string) (*contracts.ExecutionResult, error) {
	var (
		existing *contracts.Execution
		err      error
	)
	if e.cache != nil {
		id, ok, cerr := e.cache.Lookup(ctx, key)
		if cerr != nil {
			e.logger.WarnContext(ctx, "idempotency cache lookup failed", "error", cerr)
		}
		if ok {
			existing, err = e.store.GetExecution(ctx, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("load execution %s: %w", id, err)
			}
		}
	}
	if existing == nil {
		existing, err = e.store.GetExecutionByKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	res, err := e.resultFor(ctx, existing)
	if err != nil {
		return nil, err
	}
	res.Success = true
	res.ReasonCode = contracts.ReasonDuplicate
	e.logger.InfoContext(ctx, "duplicate trigger ignored",
		"contract_id", existing.ContractID, "execution_id", existing.ID)
	return res, nil
}

func (e *Engine) remember(ctx context.Context, key, executionID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Remember(ctx, key, executionID); err != nil {
		e.logger.WarnContext(ctx, "idempotency cache write failed", "execution_id", executionID, "error", err)
	}
}

// resultFor describes the stored state of an execution.
func (e *Engine) resultFor(ctx context.Context, exec *contracts.Execution) (*contracts.ExecutionResult, error) {
	res := &contracts.ExecutionResult{
		ExecutionID: exec.ID,
		ContractID:  exec.ContractID,
		Status:      exec.Status,
		ReasonCode:  exec.ReasonCode,
		Error:       exec.ErrorMessage,
	}
	switch exec.Status {
	case contracts.ExecutionCompleted:
		payouts, err := e.store.ListPayouts(ctx, exec.ID)
		if err != nil {
			return nil, fmt.Errorf("list payouts for %s: %w", exec.ID, err)
		}
		res.Success = true
		res.DistributedAmount = decPtr(exec.DistributedAmount)
		res.PayoutCount = intPtr(len(payouts))
		if res.ReasonCode == "" {
			res.ReasonCode = contracts.ReasonCompleted
		}
	case contracts.ExecutionPendingConfirmation:
		res.Success = true
		res.ReasonCode = contracts.ReasonPendingConfirmation
	case contracts.ExecutionProcessing:
		// confirmed and settling; the insert-time PendingConfirmation no longer applies
		res.Success = true
		res.ReasonCode = ""
	case contracts.ExecutionFailed:
		if res.ReasonCode == "" {
			res.ReasonCode = contracts.ReasonFailed
		}
	}
	return res, nil
}

func (e *Engine) record(ctx context.Context, res *contracts.ExecutionResult) {
	if res == nil {
		return
	}
	amount := decimal.Zero
	if res.ReasonCode == contracts.ReasonCompleted && res.DistributedAmount != nil {
		amount = *res.DistributedAmount
	}
	e.obs.RecordSettlement(ctx, string(res.ReasonCode), amount, observability.AttrContractID.String(res.ContractID))
}

func rejection(contractID string, reason contracts.ReasonCode, msg string) *contracts.ExecutionResult {
	return &contracts.ExecutionResult{ContractID: contractID, Error: msg, ReasonCode: reason}
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func intPtr(n int) *int { return &n }
