// Package contractnet implements the initiator side of the Contract Net
// negotiation protocol.
//
// A Round broadcasts a call for proposals for one task to a fixed set of
// responders, collects proposals, refusals and failure notices until every
// responder has answered or the CFP deadline fires, applies an acceptance
// Policy, sends accept or reject replies, and then waits for the accepted
// responders to inform completion or failure within a second deadline.
//
// Every round runs in its own goroutine and processes inbound messages and
// timer firings one at a time from a private queue, so round state needs no
// locking. A round always terminates with a core.RoundResult holding exactly
// one entry per invited responder.
package contractnet
