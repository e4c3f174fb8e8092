// Package idempotency derives settlement idempotency keys and caches the
// executions already bound to them.
//
// The database UNIQUE constraint on the key is authoritative. A Cache only
// short-circuits replays before a transaction is opened.
package idempotency

import (
	"fmt"

	"github.com/Mindburn-Labs/settlement/pkg/canonical"
	"github.com/Mindburn-Labs/settlement/pkg/contracts"
)

type keyMaterial struct {
	ContractID   string `json:"contract_id"`
	TriggerEvent string `json:"trigger_event"`
	Reference    string `json:"reference"`
}

// Key returns the idempotency key for one firing of contractID by event.
// The external reference id identifies the firing when present; otherwise
// the canonical form of the whole payload does.
func Key(contractID, event string, data contracts.TriggerData) (string, error) {
	ref := data.ExternalReferenceID
	if ref == "" {
		payload, err := canonical.JCS(data.Raw)
		if err != nil {
			return "", fmt.Errorf("canonicalize trigger data: %w", err)
		}
		ref = string(payload)
	}
	return canonical.Hash(keyMaterial{
		ContractID:   contractID,
		TriggerEvent: event,
		Reference:    ref,
	})
}
