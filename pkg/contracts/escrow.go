package contracts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/settlement/pkg/canonical"
)

// Escrow is the shared fund of one deal room.
type Escrow struct {
	ID                      string          `json:"id"`
	DealRoomID              string          `json:"deal_room_id"`
	CurrentBalance          decimal.Decimal `json:"current_balance"`
	MinimumBalanceThreshold decimal.Decimal `json:"minimum_balance_threshold"`
	TotalReleased           decimal.Decimal `json:"total_released"`
	TotalDeposited          decimal.Decimal `json:"total_deposited"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// WorkflowsPaused is the deal room kill switch: true while the balance is
// below the minimum threshold.
func (e *Escrow) WorkflowsPaused() bool {
	return e.CurrentBalance.LessThan(e.MinimumBalanceThreshold)
}

// TransactionType categorizes escrow ledger entries.
type TransactionType string

const (
	TransactionPayout  TransactionType = "payout"
	TransactionDeposit TransactionType = "deposit"
)

// AttributionLink is one upstream causal reference (lead → deal → invoice ...).
// The engine carries links through for audit and never interprets them.
type AttributionLink struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Relation   string `json:"relation,omitempty"`
}

// EscrowTransaction is an immutable, append-only escrow ledger entry.
type EscrowTransaction struct {
	ID                string            `json:"id"`
	EscrowID          string            `json:"escrow_id"`
	ExecutionID       string            `json:"execution_id,omitempty"`
	Type              TransactionType   `json:"type"`
	Amount            decimal.Decimal   `json:"amount"`
	Description       string            `json:"description"`
	RevenueSourceType string            `json:"revenue_source_type,omitempty"`
	SourceEntity      string            `json:"source_entity,omitempty"`
	AttributionChain  []AttributionLink `json:"attribution_chain"`
	// ContentHash is the canonical digest of the entry with this field blank.
	ContentHash       string            `json:"content_hash"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Digest computes the content hash of the entry. ContentHash itself is
// excluded, so a stored entry verifies against its own hash.
func (t EscrowTransaction) Digest() (string, error) {
	t.ContentHash = ""
	return canonical.Hash(t)
}

// Seal sets ContentHash from the entry's current fields.
func (t *EscrowTransaction) Seal() error {
	h, err := t.Digest()
	if err != nil {
		return err
	}
	t.ContentHash = h
	return nil
}

// Verify reports whether ContentHash matches the entry.
func (t EscrowTransaction) Verify() bool {
	h, err := t.Digest()
	return err == nil && h == t.ContentHash
}
