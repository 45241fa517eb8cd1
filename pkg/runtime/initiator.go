package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jllopis/contractnet/pkg/config"
	"github.com/jllopis/contractnet/pkg/contractnet"
	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/directory"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/resilience"
	"github.com/jllopis/contractnet/pkg/store"
	"github.com/jllopis/contractnet/pkg/telemetry"
	"github.com/jllopis/contractnet/pkg/transport"
)

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithDirectory sets the directory used by ContractRole.
func WithDirectory(d directory.Directory) InitiatorOption {
	return func(i *Initiator) { i.directory = d }
}

// WithStore records every completed round in s.
func WithStore(s store.ResultStore) InitiatorOption {
	return func(i *Initiator) { i.store = s }
}

// WithEmitter forwards round lifecycle events to emitter.
func WithEmitter(emitter core.EventEmitter) InitiatorOption {
	return func(i *Initiator) {
		if emitter != nil {
			i.emitter = emitter
		}
	}
}

// WithInitiatorLogger sets the logger.
func WithInitiatorLogger(logger *slog.Logger) InitiatorOption {
	return func(i *Initiator) { i.logger = logger }
}

// WithMetrics records round metrics.
func WithMetrics(m *telemetry.RoundMetrics) InitiatorOption {
	return func(i *Initiator) { i.metrics = m }
}

// WithDefaults sets the initial round defaults.
func WithDefaults(d Defaults) InitiatorOption {
	return func(i *Initiator) { i.defaults = d }
}

// Initiator starts rounds on behalf of one node and routes the node's
// inbound messages to them by round id.
type Initiator struct {
	id        string
	transport transport.Transport
	directory directory.Directory
	store     store.ResultStore
	emitter   core.EventEmitter
	logger    *slog.Logger
	metrics   *telemetry.RoundMetrics

	mu       sync.Mutex
	defaults Defaults
	rounds   map[string]*contractnet.Round
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewInitiator creates an initiator identified as id on t.
func NewInitiator(id string, t transport.Transport, opts ...InitiatorOption) (*Initiator, error) {
	if id == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "initiator id is empty", nil)
	}
	if t == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "transport is nil", nil)
	}
	defaults, _ := DefaultsFromConfig(config.NegotiationConfig{
		CFPTimeoutMs:        10000,
		CompletionTimeoutMs: 30000,
		MaxRounds:           3,
	})
	i := &Initiator{
		id:        id,
		transport: t,
		emitter:   core.NoopEventEmitter{},
		defaults:  defaults,
		rounds:    make(map[string]*contractnet.Round),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = telemetry.LoggerOrDefault(i.logger).With(slog.String("initiator", id))
	return i, nil
}

// ID returns the initiator's node id.
func (i *Initiator) ID() string { return i.id }

// Start subscribes to the transport and begins routing replies. It returns
// once the subscription is in place.
func (i *Initiator) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.cancel != nil {
		i.mu.Unlock()
		return errors.New(errors.CodeInvalidArgument, "initiator already started", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	inbox, err := i.transport.Subscribe(ctx, i.id)
	if err != nil {
		i.mu.Unlock()
		cancel()
		return err
	}
	i.cancel = cancel
	i.done = make(chan struct{})
	i.mu.Unlock()

	go i.dispatch(inbox)
	i.logger.Info("runtime.initiator.start")
	return nil
}

// Stop cancels every live round, waits for their results to be recorded
// and ends the subscription.
func (i *Initiator) Stop() {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	rounds := make([]*contractnet.Round, 0, len(i.rounds))
	for _, r := range i.rounds {
		rounds = append(rounds, r)
	}
	i.mu.Unlock()

	for _, r := range rounds {
		r.Cancel()
	}
	i.wg.Wait()
	if cancel != nil {
		cancel()
		<-done
	}
	i.logger.Info("runtime.initiator.stop")
}

func (i *Initiator) dispatch(inbox <-chan core.Message) {
	defer close(i.done)
	for msg := range inbox {
		i.mu.Lock()
		round, ok := i.rounds[msg.RoundID]
		i.mu.Unlock()
		if !ok {
			i.logger.Debug("runtime.initiator.unrouted",
				slog.String("round_id", msg.RoundID),
				slog.String("from", msg.From),
				slog.String("kind", string(msg.Kind)),
			)
			continue
		}
		round.OnMessage(msg)
	}
}

// SetDefaults replaces the round defaults for rounds started afterwards.
func (i *Initiator) SetDefaults(d Defaults) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.defaults = d
}

// Defaults returns the current round defaults.
func (i *Initiator) Defaults() Defaults {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.defaults
}

// WatchConfig keeps the defaults in sync with w. Reloads with an unknown
// policy are logged and ignored.
func (i *Initiator) WatchConfig(w *config.Watcher) {
	w.OnChange(func(cfg *config.Config) {
		d, err := DefaultsFromConfig(cfg.Negotiation)
		if err != nil {
			i.logger.Warn("runtime.initiator.defaults.rejected", slog.String("error", err.Error()))
			return
		}
		i.SetDefaults(d)
		i.logger.Info("runtime.initiator.defaults.updated",
			slog.Duration("cfp_timeout", d.CFPTimeout),
			slog.Duration("completion_timeout", d.CompletionTimeout),
			slog.String("policy", d.PolicyName),
		)
	})
}

// Launch starts a round and returns it without waiting. The result is
// recorded in the store once the round completes.
func (i *Initiator) Launch(ctx context.Context, task core.Task, responders []string, opts ...contractnet.Option) (*contractnet.Round, error) {
	round, _, err := i.launch(ctx, task, responders, opts)
	return round, err
}

// Contract runs one round to completion. Ending ctx cancels the round; the
// partial result is still returned and recorded.
func (i *Initiator) Contract(ctx context.Context, task core.Task, responders []string, opts ...contractnet.Option) (core.RoundResult, error) {
	round, recorded, err := i.launch(ctx, task, responders, opts)
	if err != nil {
		return core.RoundResult{}, err
	}
	<-recorded
	result, _ := round.Result()
	return result, nil
}

// ContractRole resolves every peer with role through the directory, then
// runs a round with them.
func (i *Initiator) ContractRole(ctx context.Context, task core.Task, role string, opts ...contractnet.Option) (core.RoundResult, error) {
	responders, err := i.resolve(ctx, role)
	if err != nil {
		return core.RoundResult{}, err
	}
	return i.Contract(ctx, task, responders, opts...)
}

func (i *Initiator) resolve(ctx context.Context, role string) ([]string, error) {
	if i.directory == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "no directory configured", nil)
	}
	peers, err := i.directory.ResolveAll(ctx, role)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.ID != i.id {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New(errors.CodeNotFound, "no responders for role", nil).WithContext("role", role)
	}
	return ids, nil
}

// ContractWithRetry runs rounds until a responder completes the task. Each
// new round drops the responders that refused or failed in the previous
// one. Attempts are bounded by retry.MaxAttempts, or the MaxRounds default
// when unset. Every round result is returned, last one last.
func (i *Initiator) ContractWithRetry(ctx context.Context, task core.Task, responders []string, retry resilience.RetryConfig, opts ...contractnet.Option) ([]core.RoundResult, error) {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = i.Defaults().MaxRounds
	}
	retry.IsRecoverable = func(err error) bool {
		return errors.Is(err, errors.CodeResponderFailure)
	}

	var results []core.RoundResult
	remaining := append([]string(nil), responders...)
	err := retry.Do(ctx, func() error {
		result, err := i.Contract(ctx, task, remaining, opts...)
		if err != nil {
			return err
		}
		results = append(results, result)
		if len(result.Completed()) > 0 {
			return nil
		}
		if result.Cancelled {
			return errors.New(errors.CodeRoundCancelled, "round cancelled", nil).WithContext("round_id", result.RoundID)
		}
		remaining = narrow(result)
		if len(remaining) == 0 {
			return errors.New(errors.CodeNotFound, "no responders left to retry", nil).WithContext("round_id", result.RoundID)
		}
		i.logger.Info("runtime.initiator.retry",
			slog.String("round_id", result.RoundID),
			slog.Int("attempt", len(results)),
			slog.Any("responders", remaining),
		)
		return errors.New(errors.CodeResponderFailure, "no responder completed the task", nil).
			WithContext("round_id", result.RoundID)
	})
	return results, err
}

// narrow keeps the responders worth asking again: the silent ones and
// those whose proposal was only turned down by the policy.
func narrow(result core.RoundResult) []string {
	return result.WithStatus(core.StatusNeverProposed, core.StatusRejected)
}

func (i *Initiator) launch(ctx context.Context, task core.Task, responders []string, opts []contractnet.Option) (*contractnet.Round, <-chan struct{}, error) {
	i.mu.Lock()
	if i.cancel == nil {
		i.mu.Unlock()
		return nil, nil, errors.New(errors.CodeInvalidArgument, "initiator not started", nil)
	}
	defaults := i.defaults
	id := uuid.NewString()
	all := []contractnet.Option{
		contractnet.WithRoundID(id),
		contractnet.WithInitiator(i.id),
		contractnet.WithLogger(i.logger),
		contractnet.WithMetrics(i.metrics),
		contractnet.WithEmitter(i.emitter),
	}
	if defaults.Policy != nil {
		all = append(all, contractnet.WithPolicy(defaults.Policy))
	}
	all = append(all, opts...)

	// Registered under the lock so replies cannot outrun the route.
	round, err := contractnet.Start(ctx, i.transport, task, responders, defaults.CFPTimeout, defaults.CompletionTimeout, all...)
	if err != nil {
		i.mu.Unlock()
		return nil, nil, err
	}
	i.rounds[round.ID()] = round
	i.wg.Add(1)
	i.mu.Unlock()

	recorded := make(chan struct{})
	go func() {
		defer i.wg.Done()
		defer close(recorded)
		<-round.Done()
		i.mu.Lock()
		delete(i.rounds, round.ID())
		i.mu.Unlock()
		result, _ := round.Result()
		i.record(context.WithoutCancel(ctx), result)
	}()
	return round, recorded, nil
}

func (i *Initiator) record(ctx context.Context, result core.RoundResult) {
	if i.store == nil {
		return
	}
	if err := i.store.Record(ctx, result); err != nil {
		i.logger.ErrorContext(ctx, "runtime.initiator.record.failed",
			slog.String("round_id", result.RoundID),
			slog.String("error", err.Error()),
		)
		return
	}
	i.logger.DebugContext(ctx, "runtime.initiator.recorded", slog.String("round_id", result.RoundID))
}
