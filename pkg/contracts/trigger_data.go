package contracts

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// TriggerData is the typed view of an event payload. Only the fields the engine
// interprets are lifted out; Raw keeps the full payload for storage and audit.
type TriggerData struct {
	Amount              decimal.Decimal
	DealValue           *decimal.Decimal
	CRMConfirmed        bool
	MilestoneID         string
	UsageCount          int64
	EntityType          string
	EntityID            string
	ExternalReferenceID string
	UserID              string

	Raw map[string]any
}

// ParseTriggerData lifts the interpreted fields out of an open payload.
// Missing fields keep their zero value; a present field of the wrong type is an error.
func ParseTriggerData(raw map[string]any) (TriggerData, error) {
	td := TriggerData{Raw: raw}
	if raw == nil {
		td.Raw = map[string]any{}
		return td, nil
	}

	if v, ok := raw["amount"]; ok && v != nil {
		d, err := toDecimal(v)
		if err != nil {
			return td, fmt.Errorf("amount: %w", err)
		}
		td.Amount = d
	}
	if v, ok := raw["dealValue"]; ok && v != nil {
		d, err := toDecimal(v)
		if err != nil {
			return td, fmt.Errorf("dealValue: %w", err)
		}
		td.DealValue = &d
	}
	if v, ok := raw["crmConfirmed"]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return td, fmt.Errorf("crmConfirmed: expected bool, got %T", v)
		}
		td.CRMConfirmed = b
	}
	if v, ok := raw["usageCount"]; ok && v != nil {
		d, err := toDecimal(v)
		if err != nil {
			return td, fmt.Errorf("usageCount: %w", err)
		}
		if d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
			return td, fmt.Errorf("usageCount: %s out of range", d)
		}
		td.UsageCount = d.IntPart()
	}

	var err error
	if td.MilestoneID, err = stringField(raw, "milestoneId"); err != nil {
		return td, err
	}
	if td.EntityType, err = stringField(raw, "entityType"); err != nil {
		return td, err
	}
	if td.EntityID, err = stringField(raw, "entityId"); err != nil {
		return td, err
	}
	if td.ExternalReferenceID, err = stringField(raw, "externalReferenceId"); err != nil {
		return td, err
	}
	if td.UserID, err = stringField(raw, "userId"); err != nil {
		return td, err
	}
	return td, nil
}

// SourceEntity renders entityType/entityId as "type:id" for ledger records.
func (td TriggerData) SourceEntity() string {
	switch {
	case td.EntityType == "" && td.EntityID == "":
		return ""
	case td.EntityType == "":
		return td.EntityID
	default:
		return td.EntityType + ":" + td.EntityID
	}
}

func stringField(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	default:
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("expected number, got %T", v)
	}
}
