package core

import (
	"sort"
	"time"
)

// Status is the final outcome recorded for a responder in a round.
type Status string

const (
	StatusAcceptedCompleted Status = "accepted_completed"
	StatusAcceptedFailed    Status = "accepted_failed"
	StatusRefused           Status = "refused"
	StatusFailedToRespond   Status = "failed_to_respond"
	StatusNeverProposed     Status = "never_proposed"
	// StatusRejected marks a responder that proposed but was not accepted:
	// either a non-default policy declined the proposal, or the round was
	// cancelled before a decision and the proposer was released with a
	// reject. Accept-all rounds that run to completion never produce it.
	StatusRejected Status = "rejected"
)

// Accepted reports whether the status belongs to an accepted responder.
func (s Status) Accepted() bool {
	return s == StatusAcceptedCompleted || s == StatusAcceptedFailed
}

// ResponderResult is the final record for one responder.
type ResponderResult struct {
	Responder string    `json:"responder"`
	Status    Status    `json:"status"`
	Proposal  *Proposal `json:"proposal,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// RoundResult is the immutable report produced when a round completes. It
// holds exactly one entry per invited responder.
type RoundResult struct {
	RoundID    string                     `json:"round_id"`
	Task       Task                       `json:"task"`
	Initiator  string                     `json:"initiator,omitempty"`
	Entries    map[string]ResponderResult `json:"entries"`
	Cancelled  bool                       `json:"cancelled,omitempty"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
}

// Status returns the status for responder and whether it was part of the round.
func (r RoundResult) Status(responder string) (Status, bool) {
	entry, ok := r.Entries[responder]
	return entry.Status, ok
}

// Responders returns the responder ids in sorted order.
func (r RoundResult) Responders() []string {
	out := make([]string, 0, len(r.Entries))
	for id := range r.Entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns how many responders ended with status.
func (r RoundResult) Count(status Status) int {
	n := 0
	for _, entry := range r.Entries {
		if entry.Status == status {
			n++
		}
	}
	return n
}

// WithStatus returns the sorted responder ids that ended with any of statuses.
func (r RoundResult) WithStatus(statuses ...Status) []string {
	var out []string
	for _, id := range r.Responders() {
		for _, status := range statuses {
			if r.Entries[id].Status == status {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Completed returns the responders that were accepted and reported success.
func (r RoundResult) Completed() []string {
	return r.WithStatus(StatusAcceptedCompleted)
}

// Duration is the wall time between start and completion.
func (r RoundResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy of the result's maps and proposals.
func (r RoundResult) Clone() RoundResult {
	out := r
	out.Task = r.Task.Clone()
	out.Entries = make(map[string]ResponderResult, len(r.Entries))
	for id, entry := range r.Entries {
		if entry.Proposal != nil {
			p := *entry.Proposal
			p.Bid = ClonePayload(p.Bid)
			entry.Proposal = &p
		}
		out.Entries[id] = entry
	}
	return out
}
