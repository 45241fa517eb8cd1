package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// startSweeper expires pending bids whose initiator never decided, for
// example because the accept or reject was lost. It returns a stop func.
func (p *Participant) startSweeper(ctx context.Context) func() {
	if p.pendingTTL <= 0 || p.sweepInterval <= 0 {
		p.logger.Debug("runtime.participant.sweeper.disabled",
			slog.Duration("ttl", p.pendingTTL),
			slog.Duration("interval", p.sweepInterval),
		)
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if expired := p.expirePending(now); expired > 0 {
					expiredCounter.Add(ctx, int64(expired))
					p.logger.Info("runtime.participant.pending.expired",
						slog.Int("expired", expired),
						slog.Duration("ttl", p.pendingTTL),
					)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Participant) expirePending(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	expired := 0
	for roundID, bid := range p.pending {
		if now.Sub(bid.at) >= p.pendingTTL {
			delete(p.pending, roundID)
			expired++
		}
	}
	return expired
}

var (
	participantMetricsOnce sync.Once
	bidCounter             metric.Int64Counter
	expiredCounter         metric.Int64Counter
	performLatencyMs       metric.Float64Histogram
)

func initParticipantMetrics() {
	participantMetricsOnce.Do(func() {
		meter := otel.Meter("contractnet/runtime")
		bidCounter, _ = meter.Int64Counter("cnet.participant.bids")
		expiredCounter, _ = meter.Int64Counter("cnet.participant.pending.expired")
		performLatencyMs, _ = meter.Float64Histogram("cnet.participant.perform.latency_ms")
	})
}
