// Package runtime runs the two sides of the Contract Net protocol on top of a
// transport: an Initiator that drives rounds and a Participant that answers
// them.
package runtime

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/contractnet"
	"github.com/jllopis/contractnet/pkg/errors"
)

// Defaults are the round settings used when a call does not override them.
type Defaults struct {
	CFPTimeout        time.Duration
	CompletionTimeout time.Duration
	Policy            contractnet.Policy
	PolicyName        string
	// MaxRounds bounds ContractWithRetry when the retry config sets no limit.
	MaxRounds int
}

// DefaultsFromConfig resolves negotiation settings, including the policy name.
func DefaultsFromConfig(cfg config.NegotiationConfig) (Defaults, error) {
	policy, ok := contractnet.PolicyByName(cfg.Policy, cfg.BidField)
	if !ok {
		return Defaults{}, errors.Errorf(errors.CodeInvalidArgument, "unknown policy %q", cfg.Policy)
	}
	d := Defaults{
		CFPTimeout:        cfg.CFPTimeout(),
		CompletionTimeout: cfg.CompletionTimeout(),
		Policy:            policy,
		PolicyName:        cfg.Policy,
		MaxRounds:         cfg.MaxRounds,
	}
	if d.MaxRounds < 1 {
		d.MaxRounds = 1
	}
	return d, nil
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	return sc.TraceID().String(), sc.SpanID().String()
}
