package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/telemetry"
	"github.com/jllopis/contractnet/pkg/transport"
)

// Bidder decides whether to bid for a task. Returning ok=false refuses the
// call; an error is reported to the initiator as a failure notice.
type Bidder interface {
	Bid(ctx context.Context, task core.Task) (bid map[string]any, ok bool, err error)
}

// BidderFunc adapts a function to Bidder.
type BidderFunc func(ctx context.Context, task core.Task) (map[string]any, bool, error)

// Bid implements Bidder.
func (f BidderFunc) Bid(ctx context.Context, task core.Task) (map[string]any, bool, error) {
	return f(ctx, task)
}

// Performer carries out an accepted task. The returned detail travels back
// in the inform message; an error reports failure.
type Performer interface {
	Perform(ctx context.Context, task core.Task, bid map[string]any) (string, error)
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, task core.Task, bid map[string]any) (string, error)

// Perform implements Performer.
func (f PerformerFunc) Perform(ctx context.Context, task core.Task, bid map[string]any) (string, error) {
	return f(ctx, task, bid)
}

// ParticipantOption configures a Participant.
type ParticipantOption func(*Participant)

// WithParticipantLogger sets the logger.
func WithParticipantLogger(logger *slog.Logger) ParticipantOption {
	return func(p *Participant) { p.logger = logger }
}

// WithPendingTTL drops bids that received neither accept nor reject within
// ttl, checking every interval. Zero disables the sweep.
func WithPendingTTL(ttl, interval time.Duration) ParticipantOption {
	return func(p *Participant) {
		p.pendingTTL = ttl
		p.sweepInterval = interval
	}
}

type pendingBid struct {
	task core.Task
	bid  map[string]any
	at   time.Time
}

// Participant answers calls for proposals addressed to one peer id.
type Participant struct {
	id        string
	transport transport.Transport
	bidder    Bidder
	performer Performer
	logger    *slog.Logger
	tracer    trace.Tracer

	pendingTTL    time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	pending   map[string]pendingBid
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

// NewParticipant creates a participant. A nil performer reports success
// for every accepted task.
func NewParticipant(id string, t transport.Transport, bidder Bidder, performer Performer, opts ...ParticipantOption) (*Participant, error) {
	if id == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "participant id is empty", nil)
	}
	if t == nil || bidder == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "participant needs a transport and a bidder", nil)
	}
	if performer == nil {
		performer = PerformerFunc(func(context.Context, core.Task, map[string]any) (string, error) {
			return "done", nil
		})
	}
	p := &Participant{
		id:            id,
		transport:     t,
		bidder:        bidder,
		performer:     performer,
		tracer:        otel.Tracer("contractnet/runtime"),
		pendingTTL:    5 * time.Minute,
		sweepInterval: 30 * time.Second,
		pending:       make(map[string]pendingBid),
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = telemetry.LoggerOrDefault(p.logger).With(slog.String("participant", id))
	return p, nil
}

// ID returns the participant's peer id.
func (p *Participant) ID() string { return p.id }

// Ready is closed once Run has subscribed, so messages sent from then on
// reach the participant.
func (p *Participant) Ready() <-chan struct{} { return p.ready }

// Pending returns how many bids await an accept or reject.
func (p *Participant) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run answers messages until ctx ends, then waits for tasks in progress.
func (p *Participant) Run(ctx context.Context) error {
	inbox, err := p.transport.Subscribe(ctx, p.id)
	if err != nil {
		return err
	}
	p.readyOnce.Do(func() { close(p.ready) })
	initParticipantMetrics()
	stopSweep := p.startSweeper(ctx)
	defer stopSweep()
	defer p.wg.Wait()

	p.logger.Info("runtime.participant.start")
	for msg := range inbox {
		p.handle(ctx, msg)
	}
	p.logger.Info("runtime.participant.stop")
	return nil
}

func (p *Participant) handle(ctx context.Context, msg core.Message) {
	switch msg.Kind {
	case core.KindCFP:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.bid(ctx, msg)
		}()
	case core.KindAccept:
		bid, ok := p.take(msg.RoundID)
		if !ok {
			p.reply(ctx, msg, core.KindFailure, func(m *core.Message) {
				m.Detail = "no pending bid for round"
			})
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.perform(ctx, msg, bid)
		}()
	case core.KindReject:
		p.take(msg.RoundID)
		p.logger.DebugContext(ctx, "runtime.participant.rejected", slog.String("round_id", msg.RoundID))
	default:
		p.logger.DebugContext(ctx, "runtime.participant.ignored",
			slog.String("round_id", msg.RoundID),
			slog.String("kind", string(msg.Kind)),
			slog.String("from", msg.From),
		)
	}
}

func (p *Participant) bid(ctx context.Context, msg core.Message) {
	if msg.Task == nil {
		p.reply(ctx, msg, core.KindFailure, func(m *core.Message) { m.Detail = "call for proposals without task" })
		return
	}
	task := msg.Task.Clone()
	bid, ok, err := p.bidder.Bid(ctx, task)
	switch {
	case err != nil:
		bidCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		p.logger.WarnContext(ctx, "runtime.participant.bid.error",
			slog.String("round_id", msg.RoundID),
			slog.String("error", err.Error()),
		)
		p.reply(ctx, msg, core.KindFailure, func(m *core.Message) { m.Detail = err.Error() })
	case !ok:
		bidCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "refuse")))
		p.reply(ctx, msg, core.KindRefuse, nil)
	default:
		bidCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "propose")))
		p.mu.Lock()
		p.pending[msg.RoundID] = pendingBid{task: task, bid: core.ClonePayload(bid), at: time.Now()}
		p.mu.Unlock()
		p.reply(ctx, msg, core.KindPropose, func(m *core.Message) { m.Payload = bid })
	}
}

func (p *Participant) perform(ctx context.Context, msg core.Message, pending pendingBid) {
	ctx, span := p.tracer.Start(ctx, "runtime.participant.perform", trace.WithAttributes(
		telemetry.TaskAttributes(pending.task.ID, pending.task.Kind)...,
	))
	defer span.End()
	traceID, spanID := traceIDs(span)

	start := time.Now()
	detail, err := p.performer.Perform(ctx, pending.task, pending.bid)
	durationMs := float64(time.Since(start).Seconds() * 1000)
	performLatencyMs.Record(ctx, durationMs, metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		span.RecordError(err)
		detail = err.Error()
	}
	p.logger.InfoContext(ctx, "runtime.participant.perform",
		slog.String("round_id", msg.RoundID),
		slog.Bool("success", err == nil),
		slog.Float64("duration_ms", durationMs),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
	)
	p.reply(ctx, msg, core.KindInform, func(m *core.Message) {
		m.Success = err == nil
		m.Detail = detail
	})
}

func (p *Participant) take(roundID string) (pendingBid, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bid, ok := p.pending[roundID]
	delete(p.pending, roundID)
	return bid, ok
}

func (p *Participant) reply(ctx context.Context, msg core.Message, kind core.MessageKind, fill func(*core.Message)) {
	out := msg.Reply(kind)
	out.From = p.id
	if fill != nil {
		fill(&out)
	}
	if err := p.transport.Send(context.WithoutCancel(ctx), out); err != nil {
		p.logger.WarnContext(ctx, "runtime.participant.send.failed",
			slog.String("round_id", msg.RoundID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}
