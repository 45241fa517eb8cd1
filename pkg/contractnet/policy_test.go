package contractnet

import (
	"testing"

	"github.com/jllopis/contractnet/pkg/core"
)

func proposals(bids ...map[string]any) []core.Proposal {
	ids := []string{"A", "B", "C", "D"}
	out := make([]core.Proposal, len(bids))
	for i, bid := range bids {
		out[i] = core.Proposal{Responder: ids[i], TaskID: "t", Bid: bid}
	}
	return out
}

func responders(ps []core.Proposal) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Responder
	}
	return out
}

func TestAcceptAll(t *testing.T) {
	got := AcceptAll(core.Task{ID: "t"}, proposals(nil, nil, nil))
	if len(got.Accepted) != 3 || len(got.Rejected) != 0 {
		t.Fatalf("unexpected acceptance %+v", got)
	}
	if empty := AcceptAll(core.Task{ID: "t"}, nil); len(empty.Accepted) != 0 {
		t.Fatalf("expected nothing accepted")
	}
}

func TestBestBid(t *testing.T) {
	ps := proposals(
		map[string]any{"cost": 5},
		map[string]any{"cost": 2.5},
		map[string]any{"cost": "cheap"},
		map[string]any{"cost": int64(9)},
	)

	lowest := BestBid("cost", true)(core.Task{}, ps)
	if got := responders(lowest.Accepted); len(got) != 1 || got[0] != "B" {
		t.Errorf("lowest accepted %v", got)
	}
	if len(lowest.Rejected) != 3 {
		t.Errorf("lowest rejected %v", responders(lowest.Rejected))
	}

	highest := BestBid("cost", false)(core.Task{}, ps)
	if got := responders(highest.Accepted); len(got) != 1 || got[0] != "D" {
		t.Errorf("highest accepted %v", got)
	}
}

func TestBestBidTieGoesToEarliest(t *testing.T) {
	ps := proposals(map[string]any{"cost": 1}, map[string]any{"cost": 1})
	got := BestBid("cost", true)(core.Task{}, ps)
	if r := responders(got.Accepted); len(r) != 1 || r[0] != "A" {
		t.Fatalf("accepted %v", r)
	}
}

func TestBestBidWithoutNumbers(t *testing.T) {
	ps := proposals(map[string]any{"note": "x"})
	got := BestBid("cost", true)(core.Task{}, ps)
	if len(got.Accepted) != 0 || len(got.Rejected) != 1 {
		t.Fatalf("unexpected acceptance %+v", got)
	}
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "accept_all", "lowest_bid", "highest_bid"} {
		if p, ok := PolicyByName(name, "cost"); !ok || p == nil {
			t.Errorf("expected policy for %q", name)
		}
	}
	if _, ok := PolicyByName("random", ""); ok {
		t.Errorf("unknown policy should not resolve")
	}
}

func TestApplyNormalisesPolicyOutput(t *testing.T) {
	ps := proposals(nil, nil, nil)
	policy := func(_ core.Task, in []core.Proposal) Acceptance {
		return Acceptance{Accepted: []core.Proposal{in[2], in[2], {Responder: "Z"}}}
	}
	got := apply(policy, core.Task{}, ps)
	if r := responders(got.Accepted); len(r) != 1 || r[0] != "C" {
		t.Errorf("accepted %v", r)
	}
	if r := responders(got.Rejected); len(r) != 2 || r[0] != "A" || r[1] != "B" {
		t.Errorf("rejected %v", r)
	}
}

func TestPhaseTransitions(t *testing.T) {
	if !PhaseInitiating.next(PhaseCollecting) || PhaseInitiating.next(PhaseDeciding) {
		t.Errorf("initiating transitions")
	}
	if !PhaseCollecting.next(PhaseDeciding) || PhaseCollecting.next(PhaseAwaitingCompletion) {
		t.Errorf("collecting transitions")
	}
	if PhaseCompleted.next(PhaseCollecting) || PhaseCompleted.next(PhaseCompleted) {
		t.Errorf("completed is terminal")
	}
	if PhaseAwaitingCompletion.String() != "awaiting_completion" || Phase(42).String() != "unknown" {
		t.Errorf("unexpected phase names")
	}
}
