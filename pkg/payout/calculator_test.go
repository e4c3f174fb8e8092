package payout

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func rule(p, pct string) contracts.PayoutRule {
	return contracts.PayoutRule{ParticipantID: p, Percentage: d(pct)}
}

func TestCompute_OrderDependentClamp(t *testing.T) {
	lines := Compute([]contracts.PayoutRule{rule("A", "70"), rule("B", "50")}, d("100"))
	require.Len(t, lines, 2)
	assert.Equal(t, "A", lines[0].ParticipantID)
	assert.True(t, lines[0].Amount.Equal(d("70")))
	assert.Equal(t, "B", lines[1].ParticipantID)
	assert.True(t, lines[1].Amount.Equal(d("30")), "B got %s", lines[1].Amount)
	assert.True(t, Sum(lines).Equal(d("100")))
}

func TestCompute_ExactSplit(t *testing.T) {
	lines := Compute([]contracts.PayoutRule{rule("A", "60"), rule("B", "25"), rule("C", "15")}, d("300"))
	require.Len(t, lines, 3)
	assert.True(t, lines[0].Amount.Equal(d("180")))
	assert.True(t, lines[1].Amount.Equal(d("75")))
	assert.True(t, lines[2].Amount.Equal(d("45")))
	assert.True(t, Sum(lines).Equal(d("300")))
}

func TestCompute_MinMaxClamps(t *testing.T) {
	rules := []contracts.PayoutRule{
		{ParticipantID: "floor", Percentage: d("1"), MinimumAmount: dp("50")},
		{ParticipantID: "ceiling", Percentage: d("90"), MaximumAmount: dp("200")},
	}
	lines := Compute(rules, d("1000"))
	require.Len(t, lines, 2)
	assert.True(t, lines[0].Amount.Equal(d("50")))
	assert.True(t, lines[1].Amount.Equal(d("200")))
	assert.True(t, Sum(lines).Equal(d("250")))
}

func TestCompute_MinimumCannotExceedPool(t *testing.T) {
	rules := []contracts.PayoutRule{
		{ParticipantID: "big", Percentage: d("10"), MinimumAmount: dp("500")},
		rule("late", "50"),
	}
	lines := Compute(rules, d("100"))
	require.Len(t, lines, 1, "late rule gets nothing once the pool is used")
	assert.Equal(t, "big", lines[0].ParticipantID)
	assert.True(t, lines[0].Amount.Equal(d("100")))
}

func TestCompute_DropsZeroLines(t *testing.T) {
	lines := Compute([]contracts.PayoutRule{rule("A", "0"), rule("B", "100")}, d("42.50"))
	require.Len(t, lines, 1)
	assert.Equal(t, "B", lines[0].ParticipantID)

	assert.Empty(t, Compute([]contracts.PayoutRule{rule("A", "50")}, decimal.Zero))
	assert.Empty(t, Compute(nil, d("10")))
}

func TestCompute_FractionalAmounts(t *testing.T) {
	lines := Compute([]contracts.PayoutRule{rule("A", "33.3333"), rule("B", "66.6667")}, d("99.99"))
	require.Len(t, lines, 2)
	assert.True(t, Sum(lines).LessThanOrEqual(d("99.99")))
	assert.True(t, Sum(lines).Equal(d("99.99")))
}

// Property: sum(Compute(rules, total)) <= total for every rule set, with
// equality when percentages total 100 and no clamp is set.
func TestCompute_ConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genRule := gopter.CombineGens(
		gen.IntRange(0, 150),
		gen.IntRange(-1, 500),
		gen.IntRange(-1, 500),
	).Map(func(vals []interface{}) contracts.PayoutRule {
		r := contracts.PayoutRule{ParticipantID: "p", Percentage: decimal.NewFromInt(int64(vals[0].(int)))}
		if min := vals[1].(int); min >= 0 {
			v := decimal.NewFromInt(int64(min))
			r.MinimumAmount = &v
		}
		if max := vals[2].(int); max >= 0 {
			v := decimal.NewFromInt(int64(max))
			r.MaximumAmount = &v
		}
		return r
	})

	properties.Property("distribution never exceeds total", prop.ForAll(
		func(rules []contracts.PayoutRule, cents int64) bool {
			total := decimal.New(cents, -2)
			lines := Compute(rules, total)
			for _, l := range lines {
				if !l.Amount.IsPositive() {
					return false
				}
			}
			return Sum(lines).LessThanOrEqual(total)
		},
		gen.SliceOf(genRule),
		gen.Int64Range(0, 10_000_000),
	))

	properties.Property("unclamped full split conserves exactly", prop.ForAll(
		func(first int, cents int64) bool {
			total := decimal.New(cents, -2)
			rules := []contracts.PayoutRule{
				{ParticipantID: "a", Percentage: decimal.NewFromInt(int64(first))},
				{ParticipantID: "b", Percentage: decimal.NewFromInt(int64(100 - first))},
			}
			return Sum(Compute(rules, total)).Equal(total)
		},
		gen.IntRange(0, 100),
		gen.Int64Range(1, 10_000_000),
	))

	properties.TestingRun(t)
}
