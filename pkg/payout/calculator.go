// Package payout splits a settlement amount among participants.
package payout

import (
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
)

var hundred = decimal.NewFromInt(100)

// Line is one participant's computed share.
type Line struct {
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Percentage    decimal.Decimal `json:"percentage"`
}

// Compute applies rules in order against total. Each share is clamped to the
// rule's minimum/maximum and then to what is left of total, so earlier rules
// win when the pool is underfunded. Zero shares are dropped. The sum of the
// returned amounts never exceeds total.
func Compute(rules []contracts.PayoutRule, total decimal.Decimal) []Line {
	if !total.IsPositive() {
		return nil
	}

	lines := make([]Line, 0, len(rules))
	distributed := decimal.Zero

	for _, rule := range rules {
		amount := total.Mul(rule.Percentage).Div(hundred)

		if rule.MinimumAmount != nil && amount.LessThan(*rule.MinimumAmount) {
			amount = *rule.MinimumAmount
		}
		if rule.MaximumAmount != nil && amount.GreaterThan(*rule.MaximumAmount) {
			amount = *rule.MaximumAmount
		}

		remaining := total.Sub(distributed)
		if amount.GreaterThan(remaining) {
			amount = remaining
		}
		if !amount.IsPositive() {
			continue
		}

		lines = append(lines, Line{
			ParticipantID: rule.ParticipantID,
			Amount:        amount,
			Percentage:    rule.Percentage,
		})
		distributed = distributed.Add(amount)
	}
	return lines
}

// Sum totals the line amounts.
func Sum(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Amount)
	}
	return sum
}
