package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Condition is the typed firing condition of one trigger type.
// Each trigger type has exactly one condition struct.
type Condition interface {
	TriggerType() TriggerType
}

// RevenueCondition fires on revenue_recorded at or above MinimumAmount.
type RevenueCondition struct {
	MinimumAmount *decimal.Decimal `json:"minimum_amount,omitempty"`
}

// MeetingSetCondition fires on meeting_set / meeting_confirmed.
type MeetingSetCondition struct {
	RequireCRMConfirmation bool `json:"require_crm_confirmation,omitempty"`
}

// DealClosedCondition fires on deal_closed / deal_won.
type DealClosedCondition struct {
	MinimumDealValue *decimal.Decimal `json:"minimum_deal_value,omitempty"`
}

// RetainerCondition fires on retainer_due / scheduled_execution.
type RetainerCondition struct{}

// MilestoneCondition fires on milestone_completed, optionally for one milestone.
type MilestoneCondition struct {
	MilestoneID string `json:"milestone_id,omitempty"`
}

// TimeBasedCondition fires on scheduled_execution. Schedule is a label for the
// external scheduler and is not interpreted here.
type TimeBasedCondition struct {
	Schedule string `json:"schedule,omitempty"`
}

// ValueCreditCondition fires on value_credit_verified at or above MinimumValue.
type ValueCreditCondition struct {
	MinimumValue *decimal.Decimal `json:"minimum_value,omitempty"`
}

// UsageThresholdCondition fires on usage_threshold_reached once UsageCount >= Threshold.
type UsageThresholdCondition struct {
	Threshold int64 `json:"threshold"`
}

// ManualCondition fires on manual_trigger.
type ManualCondition struct{}

func (RevenueCondition) TriggerType() TriggerType        { return TriggerRevenue }
func (MeetingSetCondition) TriggerType() TriggerType     { return TriggerMeetingSet }
func (DealClosedCondition) TriggerType() TriggerType     { return TriggerDealClosed }
func (RetainerCondition) TriggerType() TriggerType       { return TriggerRetainer }
func (MilestoneCondition) TriggerType() TriggerType      { return TriggerMilestone }
func (TimeBasedCondition) TriggerType() TriggerType      { return TriggerTimeBased }
func (ValueCreditCondition) TriggerType() TriggerType    { return TriggerValueCredit }
func (UsageThresholdCondition) TriggerType() TriggerType { return TriggerUsageThreshold }
func (ManualCondition) TriggerType() TriggerType         { return TriggerManual }

// EmptyCondition returns the zero condition for t, or nil for an unknown type.
func EmptyCondition(t TriggerType) Condition {
	switch t {
	case TriggerRevenue:
		return RevenueCondition{}
	case TriggerMeetingSet:
		return MeetingSetCondition{}
	case TriggerDealClosed:
		return DealClosedCondition{}
	case TriggerRetainer:
		return RetainerCondition{}
	case TriggerMilestone:
		return MilestoneCondition{}
	case TriggerTimeBased:
		return TimeBasedCondition{}
	case TriggerValueCredit:
		return ValueCreditCondition{}
	case TriggerUsageThreshold:
		return UsageThresholdCondition{}
	case TriggerManual:
		return ManualCondition{}
	default:
		return nil
	}
}

// DecodeConditions parses raw condition JSON into the struct for t.
// Empty or null input yields the zero condition.
func DecodeConditions(t TriggerType, raw json.RawMessage) (Condition, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown trigger type %q", t)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return EmptyCondition(t), nil
	}

	var (
		cond Condition
		err  error
	)
	switch t {
	case TriggerRevenue:
		var c RevenueCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case TriggerMeetingSet:
		var c MeetingSetCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case TriggerDealClosed:
		var c DealClosedCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case TriggerMilestone:
		var c MilestoneCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case TriggerTimeBased:
		var c TimeBasedCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case TriggerValueCredit:
		var c ValueCreditCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	case TriggerUsageThreshold:
		var c UsageThresholdCondition
		err = json.Unmarshal(trimmed, &c)
		cond = c
	default:
		// retainer and manual carry no fields
		cond = EmptyCondition(t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s conditions: %w", t, err)
	}
	return cond, nil
}

// EncodeConditions serializes a condition; nil encodes as an empty object.
func EncodeConditions(c Condition) (json.RawMessage, error) {
	if c == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s conditions: %w", c.TriggerType(), err)
	}
	return b, nil
}
