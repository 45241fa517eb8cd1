// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
)

// RoundMetrics records negotiation round activity with OTEL instruments.
// A nil *RoundMetrics is valid and records nothing.
type RoundMetrics struct {
	// roundsStarted counts rounds that passed validation
	roundsStarted metric.Int64Counter

	// roundsCompleted counts finished rounds by cancellation flag
	roundsCompleted metric.Int64Counter

	// outcomes counts final responder statuses
	outcomes metric.Int64Counter

	// discarded counts inbound messages dropped by reason code
	discarded metric.Int64Counter

	// sendErrors counts messages the transport refused to take
	sendErrors metric.Int64Counter

	// duration tracks round wall time in milliseconds
	duration metric.Float64Histogram
}

// NewRoundMetrics creates round instruments on the global meter provider.
func NewRoundMetrics(_ context.Context) (*RoundMetrics, error) {
	meter := otel.Meter("contractnet/round")

	roundsStarted, err := meter.Int64Counter(
		"cnet.rounds.started",
		metric.WithDescription("Negotiation rounds started"),
	)
	if err != nil {
		return nil, err
	}

	roundsCompleted, err := meter.Int64Counter(
		"cnet.rounds.completed",
		metric.WithDescription("Negotiation rounds completed, by cancellation"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"cnet.responder.outcomes",
		metric.WithDescription("Final responder outcomes by status"),
	)
	if err != nil {
		return nil, err
	}

	discarded, err := meter.Int64Counter(
		"cnet.messages.discarded",
		metric.WithDescription("Inbound messages discarded by reason"),
	)
	if err != nil {
		return nil, err
	}

	sendErrors, err := meter.Int64Counter(
		"cnet.messages.send_errors",
		metric.WithDescription("Outbound messages rejected by the transport, by kind"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"cnet.round.duration",
		metric.WithDescription("Round duration from start to result"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &RoundMetrics{
		roundsStarted:   roundsStarted,
		roundsCompleted: roundsCompleted,
		outcomes:        outcomes,
		discarded:       discarded,
		sendErrors:      sendErrors,
		duration:        duration,
	}, nil
}

// RoundStarted increments the started counter.
func (m *RoundMetrics) RoundStarted(ctx context.Context, responders int) {
	if m == nil {
		return
	}
	m.roundsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.Int(AttrRoundResponders, responders),
	))
}

// RoundCompleted records the final outcome of every responder and the round duration.
func (m *RoundMetrics) RoundCompleted(ctx context.Context, result core.RoundResult) {
	if m == nil {
		return
	}
	m.roundsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrRoundCancelled, result.Cancelled),
	))
	counts := make(map[core.Status]int64)
	for _, entry := range result.Entries {
		counts[entry.Status]++
	}
	for status, n := range counts {
		m.outcomes.Add(ctx, n, metric.WithAttributes(
			attribute.String(AttrOutcomeStatus, string(status)),
		))
	}
	m.duration.Record(ctx, float64(result.Duration())/float64(time.Millisecond))
}

// MessageDiscarded counts a dropped inbound message.
func (m *RoundMetrics) MessageDiscarded(ctx context.Context, kind core.MessageKind, reason errors.ErrorCode) {
	if m == nil {
		return
	}
	m.discarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrMessageKind, string(kind)),
		attribute.String(AttrDiscardReason, string(reason)),
	))
}

// SendFailed counts an outbound message the transport did not take.
func (m *RoundMetrics) SendFailed(ctx context.Context, kind core.MessageKind) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrMessageKind, string(kind)),
	))
}
