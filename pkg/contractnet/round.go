package contractnet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/mailbox"
	"github.com/jllopis/contractnet/pkg/telemetry"
	"github.com/jllopis/contractnet/pkg/transport"
)

// Option configures a Round.
type Option func(*Round)

// WithPolicy sets the acceptance policy. The default is AcceptAll.
func WithPolicy(policy Policy) Option {
	return func(r *Round) {
		if policy != nil {
			r.policy = policy
		}
	}
}

// WithClock replaces the system clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(r *Round) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Round) {
		r.logger = logger
	}
}

// WithMetrics records round activity on m.
func WithMetrics(m *telemetry.RoundMetrics) Option {
	return func(r *Round) {
		r.metrics = m
	}
}

// WithEmitter receives lifecycle events. Emit is called from the round
// goroutine and should return quickly.
func WithEmitter(emitter core.EventEmitter) Option {
	return func(r *Round) {
		if emitter != nil {
			r.emitter = emitter
		}
	}
}

// WithRoundID sets the round id instead of generating one.
func WithRoundID(id string) Option {
	return func(r *Round) {
		if id != "" {
			r.id = id
		}
	}
}

// WithInitiator sets the peer id used as sender of outbound messages.
func WithInitiator(id string) Option {
	return func(r *Round) {
		r.initiator = id
	}
}

// WithTracer sets the tracer used for the round span.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Round) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventCFPDeadline
	eventCompletionDeadline
	eventSendFailed
)

type event struct {
	kind eventKind
	msg  core.Message
	err  error
}

type responseKind int

const (
	responseProposed responseKind = iota + 1
	responseRefused
	responseFailed
)

// response is the single outcome a responder can reach while collecting.
type response struct {
	kind     responseKind
	proposal *core.Proposal
	detail   string
	at       time.Time
}

type completion struct {
	success bool
	detail  string
	at      time.Time
}

// Round is one run of the Contract Net protocol for a single task.
type Round struct {
	id                string
	initiator         string
	task              core.Task
	responders        []string
	members           map[string]struct{}
	cfpTimeout        time.Duration
	completionTimeout time.Duration

	sender  transport.Sender
	policy  Policy
	clock   Clock
	logger  *slog.Logger
	metrics *telemetry.RoundMetrics
	emitter core.EventEmitter
	tracer  trace.Tracer

	queue      *mailbox.Mailbox[event]
	stop       context.CancelFunc
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	phase      atomic.Int32

	// Owned by the processing goroutine.
	responses       map[string]response
	proposals       []core.Proposal
	accepted        map[string]core.Proposal
	rejected        map[string]core.Proposal
	completions     map[string]completion
	cfpTimer        Timer
	completionTimer Timer
	startedAt       time.Time
	span            trace.Span

	// Written once before done is closed.
	result core.RoundResult
}

// Start validates the round configuration and starts the round in its own
// goroutine: CFPs are handed to the sender for every responder and the CFP
// deadline is armed. Sends never block the round; a send that fails counts
// as a non-delivery notice.
// Duplicate responder ids are collapsed. When ctx ends before completion the
// round behaves as if Cancel had been called.
func Start(ctx context.Context, sender transport.Sender, task core.Task, responders []string, cfpTimeout, completionTimeout time.Duration, opts ...Option) (*Round, error) {
	members, err := validate(sender, task, responders, cfpTimeout, completionTimeout)
	if err != nil {
		return nil, err
	}
	r := &Round{
		id:                uuid.NewString(),
		task:              task.Clone(),
		members:           members,
		cfpTimeout:        cfpTimeout,
		completionTimeout: completionTimeout,
		sender:            sender,
		policy:            AcceptAll,
		clock:             systemClock{},
		emitter:           core.NoopEventEmitter{},
		tracer:            otel.Tracer("contractnet/round"),
		queue:             mailbox.New[event](),
		cancelCh:          make(chan struct{}),
		done:              make(chan struct{}),
		responses:         make(map[string]response),
		accepted:          make(map[string]core.Proposal),
		rejected:          make(map[string]core.Proposal),
		completions:       make(map[string]completion),
	}
	for id := range members {
		r.responders = append(r.responders, id)
	}
	sort.Strings(r.responders)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.LoggerOrDefault(r.logger).With(slog.String("round_id", r.id))
	r.startedAt = r.clock.Now()
	r.phase.Store(int32(PhaseInitiating))

	attrs := telemetry.RoundAttributes(r.id, r.initiator, len(r.responders),
		cfpTimeout.Milliseconds(), completionTimeout.Milliseconds())
	attrs = append(attrs, telemetry.TaskAttributes(r.task.ID, r.task.Kind)...)
	ctx, r.span = r.tracer.Start(ctx, "contractnet.round", trace.WithAttributes(attrs...))
	ctx = core.WithRoundID(ctx, r.id)
	ctx, r.stop = context.WithCancel(ctx)
	r.metrics.RoundStarted(ctx, len(r.responders))

	go r.run(ctx)
	return r, nil
}

func validate(sender transport.Sender, task core.Task, responders []string, cfpTimeout, completionTimeout time.Duration) (map[string]struct{}, error) {
	if sender == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "sender is nil", nil)
	}
	if task.ID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "task id is empty", nil)
	}
	if len(responders) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "responder set is empty", nil)
	}
	if cfpTimeout <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "cfp timeout must be positive", nil).
			WithContext("cfp_timeout", cfpTimeout.String())
	}
	if completionTimeout <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "completion timeout must be positive", nil).
			WithContext("completion_timeout", completionTimeout.String())
	}
	members := make(map[string]struct{}, len(responders))
	for _, id := range responders {
		if id == "" {
			return nil, errors.New(errors.CodeInvalidArgument, "responder id is empty", nil)
		}
		members[id] = struct{}{}
	}
	return members, nil
}

// ID returns the round id carried by every message of the round.
func (r *Round) ID() string { return r.id }

// Task returns the task under negotiation.
func (r *Round) Task() core.Task { return r.task.Clone() }

// Responders returns the invited responders, sorted.
func (r *Round) Responders() []string { return append([]string(nil), r.responders...) }

// Phase returns the current phase.
func (r *Round) Phase() Phase { return Phase(r.phase.Load()) }

// Done is closed once the round has completed.
func (r *Round) Done() <-chan struct{} { return r.done }

// OnMessage feeds one inbound message to the round. It never blocks.
// Messages for another round, or arriving after completion, are ignored.
func (r *Round) OnMessage(msg core.Message) {
	if msg.RoundID != "" && msg.RoundID != r.id {
		r.logger.Debug("contractnet.message.ignored",
			slog.String("reason", "round mismatch"),
			slog.String("message_round_id", msg.RoundID),
			slog.String("from", msg.From),
		)
		return
	}
	if !r.queue.Put(event{kind: eventMessage, msg: msg}) {
		r.logger.Debug("contractnet.message.ignored",
			slog.String("reason", "round completed"),
			slog.String("from", msg.From),
			slog.String("kind", string(msg.Kind)),
		)
	}
}

// Await blocks until the round completes or ctx ends. Every caller receives
// an equal copy of the same result.
func (r *Round) Await(ctx context.Context) (core.RoundResult, error) {
	select {
	case <-r.done:
		return r.result.Clone(), nil
	case <-ctx.Done():
		return core.RoundResult{}, errors.New(errors.CodeTimeout, "round still in progress", ctx.Err()).
			WithContext("round_id", r.id)
	}
}

// Result returns the result without blocking; ok is false until completion.
func (r *Round) Result() (core.RoundResult, bool) {
	select {
	case <-r.done:
		return r.result.Clone(), true
	default:
		return core.RoundResult{}, false
	}
}

// Cancel abandons the round. It is idempotent, safe from any goroutine and
// does not wait for the round to finish. Sends still in flight are aborted
// through their context.
func (r *Round) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
		r.stop()
	})
}

func (r *Round) run(ctx context.Context) {
	defer r.stop()
	r.initiate(ctx)
	for r.Phase() != PhaseCompleted {
		select {
		case <-r.cancelCh:
			r.finish(ctx, true)
		case <-ctx.Done():
			r.finish(ctx, true)
		case <-r.queue.Ready():
			for _, ev := range r.queue.Drain() {
				if r.cancelled(ctx) {
					r.finish(ctx, true)
					break
				}
				r.handle(ctx, ev)
				if r.Phase() == PhaseCompleted {
					break
				}
			}
		}
	}
}

func (r *Round) cancelled(ctx context.Context) bool {
	select {
	case <-r.cancelCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Round) initiate(ctx context.Context) {
	r.logger.InfoContext(ctx, "contractnet.round.start",
		slog.String("task_id", r.task.ID),
		slog.Int("responders", len(r.responders)),
		slog.Duration("cfp_timeout", r.cfpTimeout),
		slog.Duration("completion_timeout", r.completionTimeout),
	)
	r.emit(ctx, core.EventRoundStarted, map[string]any{"responders": r.Responders()})

	for _, id := range r.responders {
		msg := core.NewMessage(r.id, core.KindCFP, r.initiator, id)
		task := r.task.Clone()
		msg.Task = &task
		r.dispatch(ctx, msg)
	}
	r.cfpTimer = r.clock.AfterFunc(r.cfpTimeout, func() {
		r.queue.Put(event{kind: eventCFPDeadline})
	})
	r.transition(ctx, PhaseCollecting)
}

// dispatch hands msg to the sender on its own goroutine so a slow peer
// never holds up the round. A failed send comes back as eventSendFailed.
func (r *Round) dispatch(ctx context.Context, msg core.Message) {
	go func() {
		if err := r.sender.Send(ctx, msg); err != nil {
			r.queue.Put(event{kind: eventSendFailed, msg: msg, err: err})
		}
	}()
}

// sendFailed treats a send the transport did not take like a non-delivery
// notice from the addressee.
func (r *Round) sendFailed(ctx context.Context, msg core.Message, err error) {
	r.metrics.SendFailed(ctx, msg.Kind)
	id := msg.To
	now := r.clock.Now()
	switch {
	case msg.Kind == core.KindCFP && r.Phase() == PhaseCollecting:
		if _, done := r.responses[id]; done {
			return
		}
		r.logger.WarnContext(ctx, "contractnet.cfp.undeliverable",
			slog.String("responder", id),
			slog.String("error", err.Error()),
		)
		r.responses[id] = response{kind: responseRefused, detail: "undeliverable: " + err.Error(), at: now}
		if len(r.responses) == len(r.responders) {
			r.decide(ctx)
		}
	case msg.Kind == core.KindAccept && r.Phase() == PhaseAwaitingCompletion:
		if _, done := r.completions[id]; done {
			return
		}
		r.logger.WarnContext(ctx, "contractnet.accept.undeliverable",
			slog.String("responder", id),
			slog.String("error", err.Error()),
		)
		r.completions[id] = completion{detail: "accept undeliverable: " + err.Error(), at: now}
		if r.pending() == 0 {
			r.finish(ctx, false)
		}
	default:
		r.logger.DebugContext(ctx, "contractnet.send.failed",
			slog.String("responder", id),
			slog.String("kind", string(msg.Kind)),
			slog.String("phase", r.Phase().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Round) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventCFPDeadline:
		if r.Phase() != PhaseCollecting {
			return
		}
		r.logger.InfoContext(ctx, "contractnet.round.cfp_deadline",
			slog.Int("responded", len(r.responses)),
			slog.Int("silent", len(r.responders)-len(r.responses)),
		)
		r.decide(ctx)
	case eventCompletionDeadline:
		if r.Phase() != PhaseAwaitingCompletion {
			return
		}
		now := r.clock.Now()
		for id := range r.accepted {
			if _, ok := r.completions[id]; ok {
				continue
			}
			r.completions[id] = completion{detail: "no inform before completion deadline", at: now}
			r.logger.WarnContext(ctx, "contractnet.responder.timeout",
				slog.String("responder", id),
				slog.String("code", string(errors.CodeResponderFailure)),
			)
		}
		r.finish(ctx, false)
	case eventMessage:
		r.handleMessage(ctx, ev.msg)
	case eventSendFailed:
		r.sendFailed(ctx, ev.msg, ev.err)
	}
}

func (r *Round) handleMessage(ctx context.Context, msg core.Message) {
	if _, ok := r.members[msg.From]; !ok {
		r.discard(ctx, msg, errors.CodeUnknownResponder)
		return
	}
	switch r.Phase() {
	case PhaseCollecting:
		r.collect(ctx, msg)
	case PhaseAwaitingCompletion:
		r.complete(ctx, msg)
	default:
		r.discard(ctx, msg, errors.CodeUnexpectedMessage)
	}
}

func (r *Round) collect(ctx context.Context, msg core.Message) {
	id := msg.From
	if _, done := r.responses[id]; done {
		r.discard(ctx, msg, errors.CodeDuplicateResponse)
		return
	}
	now := r.clock.Now()
	switch msg.Kind {
	case core.KindPropose:
		p := core.Proposal{
			Responder:  id,
			TaskID:     r.task.ID,
			Bid:        core.ClonePayload(msg.Payload),
			ReceivedAt: now,
		}
		r.responses[id] = response{kind: responseProposed, proposal: &p, at: now}
		r.proposals = append(r.proposals, p)
	case core.KindRefuse:
		r.responses[id] = response{kind: responseRefused, detail: msg.Detail, at: now}
	case core.KindUndeliverable:
		r.responses[id] = response{kind: responseRefused, detail: "undeliverable: " + msg.Detail, at: now}
	case core.KindFailure:
		r.responses[id] = response{kind: responseFailed, detail: msg.Detail, at: now}
	default:
		r.discard(ctx, msg, errors.CodeUnexpectedMessage)
		return
	}
	r.logger.DebugContext(ctx, "contractnet.response.recorded",
		slog.String("responder", id),
		slog.String("kind", string(msg.Kind)),
	)
	if len(r.responses) == len(r.responders) {
		r.decide(ctx)
	}
}

func (r *Round) decide(ctx context.Context) {
	if r.cfpTimer != nil {
		r.cfpTimer.Stop()
	}
	r.emit(ctx, core.EventRoundCollected, map[string]any{
		"proposals": len(r.proposals),
		"responded": len(r.responses),
	})
	r.transition(ctx, PhaseDeciding)

	acceptance := apply(r.policy, r.task, r.proposals)
	for _, p := range acceptance.Accepted {
		r.accepted[p.Responder] = p
		msg := core.NewMessage(r.id, core.KindAccept, r.initiator, p.Responder)
		msg.Payload = core.ClonePayload(p.Bid)
		r.dispatch(ctx, msg)
	}
	// Rejects outlive the round: it may complete before they are delivered.
	rejectCtx := context.WithoutCancel(ctx)
	for _, p := range acceptance.Rejected {
		r.rejected[p.Responder] = p
		r.dispatch(rejectCtx, core.NewMessage(r.id, core.KindReject, r.initiator, p.Responder))
	}
	r.logger.InfoContext(ctx, "contractnet.round.decided",
		slog.Int("accepted", len(acceptance.Accepted)),
		slog.Int("rejected", len(acceptance.Rejected)),
	)
	r.emit(ctx, core.EventRoundDecided, map[string]any{
		"accepted": len(acceptance.Accepted),
		"rejected": len(acceptance.Rejected),
	})

	if r.pending() > 0 {
		r.completionTimer = r.clock.AfterFunc(r.completionTimeout, func() {
			r.queue.Put(event{kind: eventCompletionDeadline})
		})
	}
	r.transition(ctx, PhaseAwaitingCompletion)
	if r.pending() == 0 {
		r.finish(ctx, false)
	}
}

func (r *Round) complete(ctx context.Context, msg core.Message) {
	id := msg.From
	if _, ok := r.accepted[id]; !ok {
		if _, responded := r.responses[id]; responded {
			r.discard(ctx, msg, errors.CodeDuplicateResponse)
		} else {
			r.discard(ctx, msg, errors.CodeResponderTimeout)
		}
		return
	}
	if _, done := r.completions[id]; done {
		r.discard(ctx, msg, errors.CodeDuplicateResponse)
		return
	}
	now := r.clock.Now()
	switch msg.Kind {
	case core.KindInform:
		r.completions[id] = completion{success: msg.Success, detail: msg.Detail, at: now}
	case core.KindFailure:
		r.completions[id] = completion{detail: msg.Detail, at: now}
	case core.KindUndeliverable:
		r.completions[id] = completion{detail: "undeliverable: " + msg.Detail, at: now}
	case core.KindPropose, core.KindRefuse:
		r.discard(ctx, msg, errors.CodeDuplicateResponse)
		return
	default:
		r.discard(ctx, msg, errors.CodeUnexpectedMessage)
		return
	}
	r.logger.DebugContext(ctx, "contractnet.completion.recorded",
		slog.String("responder", id),
		slog.Bool("success", r.completions[id].success),
	)
	if r.pending() == 0 {
		r.finish(ctx, false)
	}
}

func (r *Round) pending() int {
	n := 0
	for id := range r.accepted {
		if _, ok := r.completions[id]; !ok {
			n++
		}
	}
	return n
}

func (r *Round) finish(ctx context.Context, cancelled bool) {
	phase := r.Phase()
	if phase == PhaseCompleted {
		return
	}
	if r.cfpTimer != nil {
		r.cfpTimer.Stop()
	}
	if r.completionTimer != nil {
		r.completionTimer.Stop()
	}
	if cancelled && phase <= PhaseCollecting {
		// Proposers are released since no decision will be taken.
		sendCtx := context.WithoutCancel(ctx)
		for _, p := range r.proposals {
			msg := core.NewMessage(r.id, core.KindReject, r.initiator, p.Responder)
			msg.Detail = "round cancelled"
			r.dispatch(sendCtx, msg)
		}
	}

	r.result = r.buildResult(cancelled)
	r.transition(ctx, PhaseCompleted)
	r.queue.Close()
	close(r.done)

	r.metrics.RoundCompleted(ctx, r.result)
	completed := r.result.Count(core.StatusAcceptedCompleted)
	r.logger.InfoContext(ctx, "contractnet.round.complete",
		slog.Bool("cancelled", cancelled),
		slog.Int("accepted", len(r.accepted)),
		slog.Int("completed", completed),
		slog.Duration("duration", r.result.Duration()),
	)
	r.emit(ctx, core.EventRoundCompleted, map[string]any{
		"cancelled": cancelled,
		"completed": completed,
	})
	r.span.SetAttributes(telemetry.OutcomeAttributes(len(r.accepted), completed, cancelled)...)
	r.span.End()
}

func (r *Round) buildResult(cancelled bool) core.RoundResult {
	entries := make(map[string]core.ResponderResult, len(r.responders))
	for _, id := range r.responders {
		entry := core.ResponderResult{Responder: id}
		resp, responded := r.responses[id]
		switch {
		case !responded:
			entry.Status = core.StatusNeverProposed
			entry.Detail = "no response before cfp deadline"
			if cancelled {
				entry.Detail = "round cancelled"
			}
		case resp.kind == responseRefused:
			entry.Status = core.StatusRefused
			entry.Detail = resp.detail
			entry.UpdatedAt = resp.at
		case resp.kind == responseFailed:
			entry.Status = core.StatusFailedToRespond
			entry.Detail = resp.detail
			entry.UpdatedAt = resp.at
		default:
			p := *resp.proposal
			entry.Proposal = &p
			entry.UpdatedAt = resp.at
			if _, ok := r.accepted[id]; ok {
				c, informed := r.completions[id]
				switch {
				case informed && c.success:
					entry.Status = core.StatusAcceptedCompleted
				case informed:
					entry.Status = core.StatusAcceptedFailed
				default:
					entry.Status = core.StatusAcceptedFailed
					c.detail = "round cancelled before inform"
				}
				entry.Detail = c.detail
				if !c.at.IsZero() {
					entry.UpdatedAt = c.at
				}
			} else {
				entry.Status = core.StatusRejected
				if _, ok := r.rejected[id]; !ok {
					entry.Detail = "round cancelled before decision"
				}
			}
		}
		entries[id] = entry
	}
	return core.RoundResult{
		RoundID:    r.id,
		Task:       r.task.Clone(),
		Initiator:  r.initiator,
		Entries:    entries,
		Cancelled:  cancelled,
		StartedAt:  r.startedAt,
		FinishedAt: r.clock.Now(),
	}
}

func (r *Round) transition(ctx context.Context, to Phase) {
	from := r.Phase()
	if !from.next(to) {
		r.logger.ErrorContext(ctx, "contractnet.round.invalid_transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		return
	}
	r.phase.Store(int32(to))
	r.span.AddEvent("phase", trace.WithAttributes(attribute.String(telemetry.AttrRoundPhase, to.String())))
	r.logger.DebugContext(ctx, "contractnet.round.phase",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

func (r *Round) discard(ctx context.Context, msg core.Message, reason errors.ErrorCode) {
	level := slog.LevelInfo
	if reason == errors.CodeUnknownResponder {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "contractnet.message.discarded",
		slog.String("from", msg.From),
		slog.String("kind", string(msg.Kind)),
		slog.String("phase", r.Phase().String()),
		slog.String("reason", string(reason)),
	)
	r.metrics.MessageDiscarded(ctx, msg.Kind, reason)
	r.emit(ctx, core.EventMessageDiscarded, map[string]any{
		"from":   msg.From,
		"kind":   string(msg.Kind),
		"reason": string(reason),
	})
}

func (r *Round) emit(ctx context.Context, eventType core.EventType, payload map[string]any) {
	r.emitter.Emit(ctx, core.NewEvent(eventType, r.id, r.task.ID, payload))
}
