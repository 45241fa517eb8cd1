package contractnet

import (
	"math"

	"github.com/jllopis/contractnet/pkg/core"
)

// Acceptance is the decision taken over the proposals of a round.
type Acceptance struct {
	Accepted []core.Proposal
	Rejected []core.Proposal
}

// Policy decides which proposals to accept. Proposals arrive in the order
// they were received. Only the Accepted list is authoritative: every
// proposal not accepted is rejected.
type Policy func(task core.Task, proposals []core.Proposal) Acceptance

// AcceptAll accepts every received proposal.
func AcceptAll(_ core.Task, proposals []core.Proposal) Acceptance {
	return Acceptance{Accepted: append([]core.Proposal(nil), proposals...)}
}

// BestBid accepts the single proposal with the best numeric value in field,
// the lowest when lowest is set and the highest otherwise. Proposals without
// a numeric field are rejected. Ties go to the earliest arrival.
func BestBid(field string, lowest bool) Policy {
	return func(_ core.Task, proposals []core.Proposal) Acceptance {
		best := -1
		bestValue := math.Inf(1)
		if !lowest {
			bestValue = math.Inf(-1)
		}
		for i, p := range proposals {
			v, ok := p.Number(field)
			if !ok {
				continue
			}
			if (lowest && v < bestValue) || (!lowest && v > bestValue) {
				best, bestValue = i, v
			}
		}
		var out Acceptance
		for i, p := range proposals {
			if i == best {
				out.Accepted = append(out.Accepted, p)
			} else {
				out.Rejected = append(out.Rejected, p)
			}
		}
		return out
	}
}

// PolicyByName returns a named policy: "accept_all" (default), "lowest_bid"
// or "highest_bid" on field.
func PolicyByName(name, field string) (Policy, bool) {
	switch name {
	case "", "accept_all":
		return AcceptAll, true
	case "lowest_bid":
		return BestBid(field, true), true
	case "highest_bid":
		return BestBid(field, false), true
	default:
		return nil, false
	}
}

// apply runs policy and normalises its answer: accepted proposals must be
// among the received ones, each responder appears once, and every other
// received proposal is rejected.
func apply(policy Policy, task core.Task, proposals []core.Proposal) Acceptance {
	if policy == nil {
		policy = AcceptAll
	}
	decided := policy(task.Clone(), append([]core.Proposal(nil), proposals...))
	accepted := make(map[string]bool, len(decided.Accepted))
	for _, p := range decided.Accepted {
		accepted[p.Responder] = true
	}
	var out Acceptance
	for _, p := range proposals {
		if accepted[p.Responder] {
			out.Accepted = append(out.Accepted, p)
		} else {
			out.Rejected = append(out.Rejected, p)
		}
	}
	return out
}
