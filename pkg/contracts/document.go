package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/contract.schema.json
var contractSchemaJSON string

const contractSchemaURL = "https://settlement.schemas.local/contract.schema.json"

var (
	contractSchemaOnce sync.Once
	contractSchema     *jsonschema.Schema
	contractSchemaErr  error
)

func compiledContractSchema() (*jsonschema.Schema, error) {
	contractSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(contractSchemaURL, bytes.NewReader([]byte(contractSchemaJSON))); err != nil {
			contractSchemaErr = fmt.Errorf("contract schema load failed: %w", err)
			return
		}
		contractSchema, contractSchemaErr = c.Compile(contractSchemaURL)
		if contractSchemaErr != nil {
			contractSchemaErr = fmt.Errorf("contract schema compile failed: %w", contractSchemaErr)
		}
	})
	return contractSchema, contractSchemaErr
}

// ParseDocument validates a contract document (JSON, or YAML when isYAML is set)
// against the contract schema and decodes it. Percentages must not exceed 100.
func ParseDocument(data []byte, isYAML bool) (*SettlementContract, error) {
	if isYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse contract yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert contract yaml: %w", err)
		}
		data = converted
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("parse contract json: %w", err)
	}

	schema, err := compiledContractSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("contract document invalid: %w", err)
	}

	var c SettlementContract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	for i, r := range c.PayoutRules {
		if r.Percentage.GreaterThan(hundred) {
			return nil, fmt.Errorf("payout rule %d (%s): percentage %s exceeds 100", i, r.ParticipantID, r.Percentage)
		}
		if r.MinimumAmount != nil && r.MaximumAmount != nil && r.MinimumAmount.GreaterThan(*r.MaximumAmount) {
			return nil, fmt.Errorf("payout rule %d (%s): minimum exceeds maximum", i, r.ParticipantID)
		}
	}
	return &c, nil
}
