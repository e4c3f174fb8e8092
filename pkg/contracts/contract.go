// Package contracts defines the settlement domain: contracts that describe when and
// how escrowed funds are split, the escrow ledger they draw on, and the execution,
// confirmation and payout records produced when a contract fires.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TriggerType is the closed set of events a contract can fire on.
type TriggerType string

const (
	TriggerRevenue        TriggerType = "revenue"
	TriggerMeetingSet     TriggerType = "meeting_set"
	TriggerDealClosed     TriggerType = "deal_closed"
	TriggerRetainer       TriggerType = "retainer"
	TriggerMilestone      TriggerType = "milestone"
	TriggerTimeBased      TriggerType = "time_based"
	TriggerValueCredit    TriggerType = "value_credit"
	TriggerUsageThreshold TriggerType = "usage_threshold"
	TriggerManual         TriggerType = "manual"
)

// TriggerTypes lists every supported trigger type.
var TriggerTypes = []TriggerType{
	TriggerRevenue,
	TriggerMeetingSet,
	TriggerDealClosed,
	TriggerRetainer,
	TriggerMilestone,
	TriggerTimeBased,
	TriggerValueCredit,
	TriggerUsageThreshold,
	TriggerManual,
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// PayoutRule is one participant's share of a distribution.
type PayoutRule struct {
	ParticipantID string           `json:"participant_id"`
	Percentage    decimal.Decimal  `json:"percentage"`
	MinimumAmount *decimal.Decimal `json:"minimum_amount,omitempty"`
	MaximumAmount *decimal.Decimal `json:"maximum_amount,omitempty"`
}

// SettlementContract describes when a distribution fires and how it is split.
type SettlementContract struct {
	ID          string      `json:"id"`
	DealRoomID  string      `json:"deal_room_id"`
	Name        string      `json:"name,omitempty"`
	TriggerType TriggerType `json:"trigger_type"`

	// Conditions is the typed condition set for TriggerType. Nil means "no extra conditions".
	Conditions Condition `json:"-"`
	// ConditionExpression is an optional CEL guard evaluated after the typed conditions.
	ConditionExpression string `json:"condition_expression,omitempty"`

	PayoutRules    []PayoutRule `json:"payout_rules"`
	IsActive       bool         `json:"is_active"`
	PayoutPriority int          `json:"payout_priority"`

	ExternalConfirmationRequired bool   `json:"external_confirmation_required"`
	ExternalConfirmationSource   string `json:"external_confirmation_source,omitempty"`
	// ConfirmationTimeoutSeconds overrides the gate's default expiry window when > 0.
	ConfirmationTimeoutSeconds int `json:"confirmation_timeout_seconds,omitempty"`

	MinimumEscrowRequired decimal.Decimal `json:"minimum_escrow_required"`

	// Running aggregates, written only in the settlement commit transaction.
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	ExecutionCount   int64           `json:"execution_count"`
	LastExecutedAt   *time.Time      `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type contractJSON struct {
	alias
	TriggerConditions json.RawMessage `json:"trigger_conditions,omitempty"`
}

type alias SettlementContract

// MarshalJSON encodes the contract with its conditions under trigger_conditions.
func (c SettlementContract) MarshalJSON() ([]byte, error) {
	raw, err := EncodeConditions(c.Conditions)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contractJSON{alias: alias(c), TriggerConditions: raw})
}

// UnmarshalJSON decodes trigger_conditions according to trigger_type.
func (c *SettlementContract) UnmarshalJSON(data []byte) error {
	var doc contractJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	cond, err := DecodeConditions(doc.TriggerType, doc.TriggerConditions)
	if err != nil {
		return fmt.Errorf("contract %s: %w", doc.ID, err)
	}
	*c = SettlementContract(doc.alias)
	c.Conditions = cond
	return nil
}

// RequiresMinimumEscrow reports whether the contract sets an escrow floor.
func (c *SettlementContract) RequiresMinimumEscrow() bool {
	return c.MinimumEscrowRequired.IsPositive()
}

// ConfirmationWindow returns the contract's confirmation expiry override, or zero.
func (c *SettlementContract) ConfirmationWindow() time.Duration {
	if c.ConfirmationTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}
