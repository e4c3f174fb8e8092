package contracts

import "github.com/shopspring/decimal"

// ReasonCode classifies the outcome of a settlement call.
type ReasonCode string

const (
	ReasonCompleted            ReasonCode = "Completed"
	ReasonPendingConfirmation  ReasonCode = "PendingConfirmation"
	ReasonTriggerNotMet        ReasonCode = "TriggerNotMet"
	ReasonNoAmountToDistribute ReasonCode = "NoAmountToDistribute"
	ReasonWorkflowsPaused      ReasonCode = "WorkflowsPaused"
	ReasonInsufficientEscrow   ReasonCode = "InsufficientEscrow"
	ReasonContractNotFound     ReasonCode = "ContractNotFound"
	ReasonContractInactive     ReasonCode = "ContractInactive"
	ReasonFailed               ReasonCode = "Failed"
	ReasonDuplicate            ReasonCode = "Duplicate"
	ReasonConfirmationRejected ReasonCode = "ConfirmationRejected"
	ReasonConfirmationExpired  ReasonCode = "ConfirmationExpired"
)

// ExecutionResult is the response to every inbound settlement call.
type ExecutionResult struct {
	Success           bool             `json:"success"`
	ExecutionID       string           `json:"execution_id,omitempty"`
	ContractID        string           `json:"contract_id,omitempty"`
	Status            ExecutionStatus  `json:"status,omitempty"`
	DistributedAmount *decimal.Decimal `json:"distributed_amount,omitempty"`
	PayoutCount       *int             `json:"payout_count,omitempty"`
	Error             string           `json:"error,omitempty"`
	ReasonCode        ReasonCode       `json:"reason_code"`

	// Set on escrow-driven rejections.
	CurrentBalance *decimal.Decimal `json:"current_balance,omitempty"`
	Threshold      *decimal.Decimal `json:"threshold,omitempty"`
}
