// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/transport"
)

// Script is how a Responder answers each message kind.
type Script struct {
	// Bid is proposed in answer to a call for proposals.
	Bid map[string]any
	// Refuse answers a call for proposals with a refusal.
	Refuse bool
	// FailOnCFP answers a call for proposals with a failure notice.
	FailOnCFP bool
	// Silent never answers anything.
	Silent bool
	// FailOnAccept reports the accepted task as failed with this detail.
	FailOnAccept string
	// Detail is sent with a successful inform.
	Detail string
	// ProposeDelay and InformDelay postpone the answers.
	ProposeDelay time.Duration
	InformDelay  time.Duration
	// Condition, when set, makes the responder refuse tasks it returns
	// false for.
	Condition func(task core.Task) bool
}

// Responder is a scripted peer. It answers calls for proposals per its
// script and records every message it receives.
type Responder struct {
	id     string
	script Script

	mu       sync.Mutex
	received []core.Message
	ready    chan struct{}
}

// NewResponder creates a responder with a custom script.
func NewResponder(id string, script Script) *Responder {
	return &Responder{id: id, script: script, ready: make(chan struct{})}
}

// Bidding proposes bid and completes the task.
func Bidding(id string, bid map[string]any) *Responder {
	return NewResponder(id, Script{Bid: bid})
}

// Refusing refuses every call for proposals.
func Refusing(id string) *Responder {
	return NewResponder(id, Script{Refuse: true})
}

// Silent subscribes but never answers.
func Silent(id string) *Responder {
	return NewResponder(id, Script{Silent: true})
}

// FailingOnAccept proposes bid and then reports failure with detail.
func FailingOnAccept(id string, bid map[string]any, detail string) *Responder {
	return NewResponder(id, Script{Bid: bid, FailOnAccept: detail})
}

// ID returns the responder's peer id.
func (r *Responder) ID() string { return r.id }

// Ready is closed once Run has subscribed.
func (r *Responder) Ready() <-chan struct{} { return r.ready }

// Run subscribes to t and answers until ctx ends.
func (r *Responder) Run(ctx context.Context, t transport.Transport) error {
	inbox, err := t.Subscribe(ctx, r.id)
	if err != nil {
		return err
	}
	close(r.ready)
	var wg sync.WaitGroup
	defer wg.Wait()
	for msg := range inbox {
		r.record(msg)
		if r.script.Silent {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.answer(ctx, t, msg)
		}()
	}
	return nil
}

func (r *Responder) answer(ctx context.Context, t transport.Transport, msg core.Message) {
	var out core.Message
	switch msg.Kind {
	case core.KindCFP:
		if !sleep(ctx, r.script.ProposeDelay) {
			return
		}
		switch {
		case r.script.FailOnCFP:
			out = msg.Reply(core.KindFailure)
			out.Detail = "scripted failure"
		case r.script.Refuse, msg.Task != nil && r.script.Condition != nil && !r.script.Condition(*msg.Task):
			out = msg.Reply(core.KindRefuse)
		default:
			out = msg.Reply(core.KindPropose)
			out.Payload = core.ClonePayload(r.script.Bid)
		}
	case core.KindAccept:
		if !sleep(ctx, r.script.InformDelay) {
			return
		}
		if r.script.FailOnAccept != "" {
			out = msg.Reply(core.KindFailure)
			out.Detail = r.script.FailOnAccept
		} else {
			out = msg.Reply(core.KindInform)
			out.Success = true
			out.Detail = r.script.Detail
		}
	default:
		return
	}
	out.From = r.id
	_ = t.Send(context.WithoutCancel(ctx), out)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Responder) record(msg core.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

// Received returns the messages delivered to the responder so far.
func (r *Responder) Received() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Message(nil), r.received...)
}

// ReceivedKinds returns the kinds of the received messages, in order.
func (r *Responder) ReceivedKinds() []core.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]core.MessageKind, len(r.received))
	for i, msg := range r.received {
		kinds[i] = msg.Kind
	}
	return kinds
}
