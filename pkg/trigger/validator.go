// Package trigger decides whether an incoming event satisfies a contract's
// firing condition.
package trigger

import (
	"log/slog"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
)

// Event names recognised by the validator.
const (
	EventRevenueRecorded       = "revenue_recorded"
	EventMeetingConfirmed      = "meeting_confirmed"
	EventMeetingSet            = "meeting_set"
	EventDealClosed            = "deal_closed"
	EventDealWon               = "deal_won"
	EventRetainerDue           = "retainer_due"
	EventScheduledExecution    = "scheduled_execution"
	EventMilestoneCompleted    = "milestone_completed"
	EventValueCreditVerified   = "value_credit_verified"
	EventUsageThresholdReached = "usage_threshold_reached"
	EventManualTrigger         = "manual_trigger"
)

// Validate reports whether event with data satisfies the conditions of a
// contract with the given trigger type. It has no side effects beyond a debug
// log for unknown trigger types. A nil or mismatched condition is treated as
// the zero condition for triggerType.
func Validate(triggerType contracts.TriggerType, cond contracts.Condition, event string, data contracts.TriggerData) bool {
	if cond == nil || cond.TriggerType() != triggerType {
		cond = contracts.EmptyCondition(triggerType)
	}

	switch c := cond.(type) {
	case contracts.RevenueCondition:
		if event != EventRevenueRecorded {
			return false
		}
		return c.MinimumAmount == nil || data.Amount.GreaterThanOrEqual(*c.MinimumAmount)

	case contracts.MeetingSetCondition:
		if event != EventMeetingConfirmed && event != EventMeetingSet {
			return false
		}
		return !c.RequireCRMConfirmation || data.CRMConfirmed

	case contracts.DealClosedCondition:
		if event != EventDealClosed && event != EventDealWon {
			return false
		}
		if c.MinimumDealValue == nil {
			return true
		}
		value := data.Amount
		if data.DealValue != nil {
			value = *data.DealValue
		}
		return value.GreaterThanOrEqual(*c.MinimumDealValue)

	case contracts.RetainerCondition:
		return event == EventRetainerDue || event == EventScheduledExecution

	case contracts.MilestoneCondition:
		if event != EventMilestoneCompleted {
			return false
		}
		return c.MilestoneID == "" || c.MilestoneID == data.MilestoneID

	case contracts.TimeBasedCondition:
		return event == EventScheduledExecution

	case contracts.ValueCreditCondition:
		if event != EventValueCreditVerified {
			return false
		}
		return c.MinimumValue == nil || data.Amount.GreaterThanOrEqual(*c.MinimumValue)

	case contracts.UsageThresholdCondition:
		return event == EventUsageThresholdReached && data.UsageCount >= c.Threshold

	case contracts.ManualCondition:
		return event == EventManualTrigger

	default:
		slog.Debug("trigger: unknown trigger type", "trigger_type", triggerType, "event", event)
		return false
	}
}
