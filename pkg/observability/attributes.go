package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Settlement semantic convention attributes.
var (
	AttrContractID   = attribute.Key("settlement.contract.id")
	AttrDealRoomID   = attribute.Key("settlement.deal_room.id")
	AttrExecutionID  = attribute.Key("settlement.execution.id")
	AttrTriggerEvent = attribute.Key("settlement.trigger.event")
	AttrReasonCode   = attribute.Key("settlement.reason_code")
)

// ContractOperation creates attributes for an operation on one contract.
func ContractOperation(contractID, event string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrContractID.String(contractID),
		AttrTriggerEvent.String(event),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
