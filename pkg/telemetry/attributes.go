// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration, structured logging
// and negotiation metrics.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for negotiation telemetry.
const (
	// Round attributes
	AttrRoundID         = "cnet.round.id"
	AttrRoundInitiator  = "cnet.round.initiator"
	AttrRoundResponders = "cnet.round.responders"
	AttrRoundCFPTimeout = "cnet.round.cfp_timeout_ms"
	AttrRoundCompletion = "cnet.round.completion_timeout_ms"
	AttrRoundPhase      = "cnet.round.phase"
	AttrRoundCancelled  = "cnet.round.cancelled"

	// Outcome attributes
	AttrOutcomeStatus  = "cnet.outcome.status"
	AttrOutcomeCount   = "cnet.outcome.count"
	AttrAcceptedCount  = "cnet.outcome.accepted"
	AttrCompletedCount = "cnet.outcome.completed"

	// Message attributes
	AttrMessageKind      = "cnet.message.kind"
	AttrMessageFrom      = "cnet.message.from"
	AttrMessageTo        = "cnet.message.to"
	AttrDiscardReason    = "cnet.message.discard_reason"
	AttrTransportBackend = "cnet.transport.backend"

	// Task attributes
	AttrTaskID   = "cnet.task.id"
	AttrTaskKind = "cnet.task.kind"

	// Resource attributes
	AttrNodeID = "cnet.node.id"
)

// RoundAttributes returns common attributes for round spans.
func RoundAttributes(roundID, initiator string, responders int, cfpTimeoutMs, completionTimeoutMs int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRoundID, roundID),
		attribute.Int(AttrRoundResponders, responders),
	}
	if initiator != "" {
		attrs = append(attrs, attribute.String(AttrRoundInitiator, initiator))
	}
	if cfpTimeoutMs > 0 {
		attrs = append(attrs, attribute.Int64(AttrRoundCFPTimeout, cfpTimeoutMs))
	}
	if completionTimeoutMs > 0 {
		attrs = append(attrs, attribute.Int64(AttrRoundCompletion, completionTimeoutMs))
	}
	return attrs
}

// TaskAttributes returns attributes for task tracking.
func TaskAttributes(taskID, kind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	if kind != "" {
		attrs = append(attrs, attribute.String(AttrTaskKind, kind))
	}
	return attrs
}

// MessageAttributes returns attributes describing a message hop.
func MessageAttributes(kind, from, to string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrMessageKind, kind),
	}
	if from != "" {
		attrs = append(attrs, attribute.String(AttrMessageFrom, from))
	}
	if to != "" {
		attrs = append(attrs, attribute.String(AttrMessageTo, to))
	}
	return attrs
}

// OutcomeAttributes summarises a finished round.
func OutcomeAttributes(accepted, completed int, cancelled bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrAcceptedCount, accepted),
		attribute.Int(AttrCompletedCount, completed),
		attribute.Bool(AttrRoundCancelled, cancelled),
	}
}
