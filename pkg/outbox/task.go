// Package outbox relays durable follow-up work written by the settlement
// engine: resuming confirmed executions and publishing settlement events.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// Subjects published by the engine.
const (
	SubjectSettlementCompleted = "settlement.completed"
	SubjectEscrowDeposited     = "escrow.deposited"
)

// ResumePayload is the payload of a resume_settlement task.
type ResumePayload struct {
	ExecutionID string `json:"execution_id"`
}

// PublishPayload is the payload of a publish_event task.
type PublishPayload struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// NewResumeTask builds the resume task for an execution. The id is derived
// from the execution so enqueueing twice yields one task.
func NewResumeTask(executionID string, at time.Time) (*store.Task, error) {
	payload, err := json.Marshal(ResumePayload{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	return &store.Task{
		ID:          "resume:" + executionID,
		Kind:        store.TaskResumeSettlement,
		Payload:     payload,
		ScheduledAt: at,
		Status:      store.TaskPending,
	}, nil
}

// NewPublishTask builds a publish task carrying data as JSON.
func NewPublishTask(subject string, data any, at time.Time) (*store.Task, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", subject, err)
	}
	payload, err := json.Marshal(PublishPayload{Subject: subject, Data: raw})
	if err != nil {
		return nil, err
	}
	return &store.Task{
		ID:          uuid.New().String(),
		Kind:        store.TaskPublishEvent,
		Payload:     payload,
		ScheduledAt: at,
		Status:      store.TaskPending,
	}, nil
}
