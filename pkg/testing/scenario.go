// SPDX-License-Identifier: Apache-2.0

// Package testing provides utilities for testing negotiation rounds.
//
// This package includes:
//   - Scenarios that run one round over an in-process bus
//   - Scripted responders that record what they receive
//   - Assertion helpers for round results
//   - An event collector for lifecycle events
//
// Example usage:
//
//	result := testing.NewScenario("cheapest wins").
//	    WithResponders(testing.Bidding("a", map[string]any{"cost": 3}), testing.Refusing("b")).
//	    WithOptions(contractnet.WithPolicy(contractnet.BestBid("cost", true))).
//	    ExpectStatus("a", core.StatusAcceptedCompleted).
//	    ExpectStatus("b", core.StatusRefused).
//	    Run(t)
//	result.Assert(t)
package testing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/contractnet/pkg/contractnet"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/transport"
)

// InitiatorID is the peer id scenarios run their rounds as.
const InitiatorID = "initiator"

// Scenario describes one round and what it should produce.
type Scenario struct {
	name              string
	task              core.Task
	responders        []*Responder
	extra             []string
	opts              []contractnet.Option
	cfpTimeout        time.Duration
	completionTimeout time.Duration
	timeout           time.Duration
	cancelAfter       time.Duration
	expectations      []Expectation
}

// Expectation is a condition checked against a scenario result.
type Expectation interface {
	Check(result *ScenarioResult) error
	Description() string
}

// ScenarioResult is the outcome of running a scenario.
type ScenarioResult struct {
	Result   core.RoundResult
	Error    error
	Events   []core.Event
	Duration time.Duration

	name         string
	expectations []Expectation
}

// NewScenario creates a scenario with short default deadlines.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:              name,
		task:              core.NewTask("test", name, nil),
		cfpTimeout:        200 * time.Millisecond,
		completionTimeout: 500 * time.Millisecond,
		timeout:           10 * time.Second,
	}
}

// WithTask sets the task offered in the call for proposals.
func (s *Scenario) WithTask(task core.Task) *Scenario {
	s.task = task
	return s
}

// WithResponders adds scripted responders to the round.
func (s *Scenario) WithResponders(responders ...*Responder) *Scenario {
	s.responders = append(s.responders, responders...)
	return s
}

// WithUnknownResponders invites ids no peer subscribes to.
func (s *Scenario) WithUnknownResponders(ids ...string) *Scenario {
	s.extra = append(s.extra, ids...)
	return s
}

// WithTimeouts sets the proposal and completion deadlines.
func (s *Scenario) WithTimeouts(cfp, completion time.Duration) *Scenario {
	s.cfpTimeout = cfp
	s.completionTimeout = completion
	return s
}

// WithOptions passes round options such as a policy.
func (s *Scenario) WithOptions(opts ...contractnet.Option) *Scenario {
	s.opts = append(s.opts, opts...)
	return s
}

// WithTimeout bounds the whole scenario.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// CancelAfter cancels the round d after it starts.
func (s *Scenario) CancelAfter(d time.Duration) *Scenario {
	s.cancelAfter = d
	return s
}

// Expect adds an expectation.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// ExpectStatus expects responder to end with status.
func (s *Scenario) ExpectStatus(responder string, status core.Status) *Scenario {
	return s.Expect(&statusExpectation{responder: responder, status: status})
}

// ExpectCompleted expects exactly ids to complete the task.
func (s *Scenario) ExpectCompleted(ids ...string) *Scenario {
	return s.Expect(&completedExpectation{ids: ids})
}

// ExpectCancelled expects the round to report cancellation, or not.
func (s *Scenario) ExpectCancelled(cancelled bool) *Scenario {
	return s.Expect(&cancelledExpectation{cancelled: cancelled})
}

// ExpectEvent expects a lifecycle event of the given type.
func (s *Scenario) ExpectEvent(eventType core.EventType) *Scenario {
	return s.Expect(&eventExpectation{eventType: eventType})
}

// ExpectMaxDuration expects the round to finish within d.
func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(&maxDurationExpectation{max: d})
}

// Run starts the responders on a fresh bus, runs the round and returns its
// outcome. Responders are stopped before Run returns.
func (s *Scenario) Run(t *testing.T) *ScenarioResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	bus := transport.NewBus()
	defer bus.Close()

	peerCtx, stopPeers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopPeers()
		wg.Wait()
	}()
	ids := make([]string, 0, len(s.responders)+len(s.extra))
	for _, r := range s.responders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(peerCtx, bus); err != nil {
				t.Errorf("scenario %q: responder %s: %v", s.name, r.ID(), err)
			}
		}()
		select {
		case <-r.Ready():
		case <-ctx.Done():
			t.Fatalf("scenario %q: responder %s never subscribed", s.name, r.ID())
		}
		ids = append(ids, r.ID())
	}
	ids = append(ids, s.extra...)

	inbox, err := bus.Subscribe(peerCtx, InitiatorID)
	if err != nil {
		t.Fatalf("scenario %q: subscribe: %v", s.name, err)
	}

	collector := NewEventCollector()
	opts := append([]contractnet.Option{
		contractnet.WithInitiator(InitiatorID),
		contractnet.WithEmitter(collector),
	}, s.opts...)

	start := time.Now()
	round, err := contractnet.Start(ctx, bus, s.task, ids, s.cfpTimeout, s.completionTimeout, opts...)
	if err != nil {
		return &ScenarioResult{Error: err, name: s.name, expectations: s.expectations}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range inbox {
			round.OnMessage(msg)
		}
	}()
	if s.cancelAfter > 0 {
		timer := time.AfterFunc(s.cancelAfter, round.Cancel)
		defer timer.Stop()
	}

	result, err := round.Await(ctx)
	return &ScenarioResult{
		Result:       result,
		Error:        err,
		Events:       collector.Events(),
		Duration:     time.Since(start),
		name:         s.name,
		expectations: s.expectations,
	}
}

// Assert checks every expectation and reports each failure.
func (r *ScenarioResult) Assert(t *testing.T) {
	t.Helper()
	for _, exp := range r.expectations {
		if err := exp.Check(r); err != nil {
			t.Errorf("scenario %q: %s: %v", r.name, exp.Description(), err)
		}
	}
}

type statusExpectation struct {
	responder string
	status    core.Status
}

func (e *statusExpectation) Check(r *ScenarioResult) error {
	got, ok := r.Result.Status(e.responder)
	if !ok {
		return fmt.Errorf("%s is not in the result", e.responder)
	}
	if got != e.status {
		return fmt.Errorf("got %s", got)
	}
	return nil
}

func (e *statusExpectation) Description() string {
	return fmt.Sprintf("%s ends %s", e.responder, e.status)
}

type completedExpectation struct {
	ids []string
}

func (e *completedExpectation) Check(r *ScenarioResult) error {
	want := append([]string(nil), e.ids...)
	sort.Strings(want)
	got := r.Result.Completed()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("completed %v", got)
	}
	return nil
}

func (e *completedExpectation) Description() string {
	return fmt.Sprintf("completed by %v", e.ids)
}

type cancelledExpectation struct {
	cancelled bool
}

func (e *cancelledExpectation) Check(r *ScenarioResult) error {
	if r.Result.Cancelled != e.cancelled {
		return fmt.Errorf("cancelled = %v", r.Result.Cancelled)
	}
	return nil
}

func (e *cancelledExpectation) Description() string {
	return fmt.Sprintf("cancelled is %v", e.cancelled)
}

type eventExpectation struct {
	eventType core.EventType
}

func (e *eventExpectation) Check(r *ScenarioResult) error {
	for _, ev := range r.Events {
		if ev.Type == e.eventType {
			return nil
		}
	}
	return fmt.Errorf("not emitted")
}

func (e *eventExpectation) Description() string {
	return fmt.Sprintf("event %s", e.eventType)
}

type maxDurationExpectation struct {
	max time.Duration
}

func (e *maxDurationExpectation) Check(r *ScenarioResult) error {
	if r.Duration > e.max {
		return fmt.Errorf("took %v", r.Duration)
	}
	return nil
}

func (e *maxDurationExpectation) Description() string {
	return fmt.Sprintf("finishes within %v", e.max)
}

// EventCollector collects events emitted during a round.
type EventCollector struct {
	mu     sync.RWMutex
	events []core.Event
}

// NewEventCollector creates a new event collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{events: make([]core.Event, 0)}
}

// Emit implements core.EventEmitter.
func (c *EventCollector) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns all collected events.
func (c *EventCollector) Events() []core.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]core.Event, len(c.events))
	copy(result, c.events)
	return result
}

// EventTypes returns the types of all collected events.
func (c *EventCollector) EventTypes() []core.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]core.EventType, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

// HasEvent checks if an event of the given type was collected.
func (c *EventCollector) HasEvent(eventType core.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ev := range c.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}
