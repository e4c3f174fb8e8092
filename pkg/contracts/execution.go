package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus tracks the lifecycle of a settlement attempt.
type ExecutionStatus string

const (
	ExecutionPendingConfirmation ExecutionStatus = "pending_confirmation"
	ExecutionProcessing          ExecutionStatus = "processing"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionFailed              ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one settlement attempt that passed the trigger validator.
type Execution struct {
	ID                string            `json:"id"`
	ContractID        string            `json:"contract_id"`
	DealRoomID        string            `json:"deal_room_id"`
	TriggerEvent      string            `json:"trigger_event"`
	TriggerData       map[string]any    `json:"trigger_data"`
	IdempotencyKey    string            `json:"idempotency_key"`
	AttributionChain  []AttributionLink `json:"attribution_chain"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	DistributedAmount decimal.Decimal   `json:"distributed_amount"`
	Status            ExecutionStatus   `json:"status"`
	ReasonCode        ReasonCode        `json:"reason_code,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExecutedAt        *time.Time        `json:"executed_at,omitempty"`
}

// ConfirmationStatus tracks the external confirmation side channel.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationRejected  ConfirmationStatus = "rejected"
	ConfirmationExpired   ConfirmationStatus = "expired"
)

// Confirmation parks an execution until an external system confirms it.
type Confirmation struct {
	ID                string             `json:"id"`
	ExecutionID       string             `json:"execution_id"`
	ContractID        string             `json:"contract_id"`
	Source            string             `json:"confirmation_source"`
	ExternalEntityRef string             `json:"external_entity_ref,omitempty"`
	Status            ConfirmationStatus `json:"confirmation_status"`
	ExpiresAt         time.Time          `json:"expires_at"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// PayoutStatus of a recorded payout.
type PayoutStatus string

// PayoutPending means the payout is recorded and awaits external disbursement.
const PayoutPending PayoutStatus = "pending"

// Payout is one participant's share of a completed execution.
type Payout struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"payout_amount"`
	Percentage    decimal.Decimal `json:"payout_percentage"`
	Status        PayoutStatus    `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}
