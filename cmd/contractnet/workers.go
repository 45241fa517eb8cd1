// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jllopis/contractnet/pkg/core"
	"github.com/jllopis/contractnet/pkg/directory"
	"github.com/jllopis/contractnet/pkg/errors"
	"github.com/jllopis/contractnet/pkg/runtime"
)

// behaviour is how a simulated worker answers a call for proposals.
type behaviour string

const (
	behaviourBid    behaviour = "bid"
	behaviourRefuse behaviour = "refuse"
	behaviourFail   behaviour = "fail"
	behaviourSilent behaviour = "silent"
)

// workerMix describes a population of simulated workers. Ratios are the
// share of workers that refuse, fail after being accepted, or never answer.
type workerMix struct {
	Count  int
	Refuse float64
	Fail   float64
	Silent float64
	Seed   int64
	Role   string
	Work   time.Duration
}

type workerPlan struct {
	ID        string
	Behaviour behaviour
	Cost      int
}

// plan assigns behaviours and bid costs. The same seed gives the same plan.
func (m workerMix) plan() ([]workerPlan, error) {
	if m.Count < 1 {
		return nil, errors.Errorf(errors.CodeInvalidArgument, "need at least one worker, got %d", m.Count)
	}
	for name, ratio := range map[string]float64{"refuse": m.Refuse, "fail": m.Fail, "silent": m.Silent} {
		if ratio < 0 || ratio > 1 {
			return nil, errors.Errorf(errors.CodeInvalidArgument, "%s ratio %v outside [0,1]", name, ratio)
		}
	}
	if m.Refuse+m.Fail+m.Silent > 1 {
		return nil, errors.New(errors.CodeInvalidArgument, "refuse, fail and silent ratios add up to more than 1", nil)
	}

	behaviours := make([]behaviour, 0, m.Count)
	for _, share := range []struct {
		b     behaviour
		ratio float64
	}{{behaviourRefuse, m.Refuse}, {behaviourFail, m.Fail}, {behaviourSilent, m.Silent}} {
		n := int(math.Round(share.ratio * float64(m.Count)))
		for i := 0; i < n && len(behaviours) < m.Count; i++ {
			behaviours = append(behaviours, share.b)
		}
	}
	for len(behaviours) < m.Count {
		behaviours = append(behaviours, behaviourBid)
	}

	rng := rand.New(rand.NewSource(m.Seed))
	rng.Shuffle(len(behaviours), func(i, j int) { behaviours[i], behaviours[j] = behaviours[j], behaviours[i] })
	plans := make([]workerPlan, m.Count)
	for i, b := range behaviours {
		plans[i] = workerPlan{
			ID:        fmt.Sprintf("worker-%02d", i+1),
			Behaviour: b,
			Cost:      1 + rng.Intn(100),
		}
	}
	return plans, nil
}

// startWorkers runs the planned workers on the node's bus and registers
// them under the mix role once they are listening. The returned func stops
// them and waits for work in progress.
func startWorkers(ctx context.Context, env *nodeEnv, mix workerMix, plans []workerPlan) (func(), error) {
	if env.bus == nil || env.registry == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "simulated workers need transport.kind=bus", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	stop := func() {
		cancel()
		wg.Wait()
	}

	for _, plan := range plans {
		if plan.Behaviour == behaviourSilent {
			inbox, err := env.bus.Subscribe(ctx, plan.ID)
			if err != nil {
				stop()
				return nil, err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range inbox {
				}
			}()
		} else {
			p, err := runtime.NewParticipant(plan.ID, env.bus, plan.bidder(), plan.performer(mix.Work),
				runtime.WithParticipantLogger(env.logger))
			if err != nil {
				stop()
				return nil, err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = p.Run(ctx)
			}()
			select {
			case <-p.Ready():
			case <-ctx.Done():
				stop()
				return nil, ctx.Err()
			}
		}
		if err := env.registry.Register(directory.Peer{
			ID:     plan.ID,
			Role:   mix.Role,
			Labels: map[string]string{"behaviour": string(plan.Behaviour)},
		}); err != nil {
			stop()
			return nil, err
		}
	}
	return stop, nil
}

func (p workerPlan) bidder() runtime.Bidder {
	return runtime.BidderFunc(func(context.Context, core.Task) (map[string]any, bool, error) {
		if p.Behaviour == behaviourRefuse {
			return nil, false, nil
		}
		return map[string]any{"cost": p.Cost}, true, nil
	})
}

func (p workerPlan) performer(work time.Duration) runtime.Performer {
	return runtime.PerformerFunc(func(ctx context.Context, task core.Task, _ map[string]any) (string, error) {
		if work > 0 {
			select {
			case <-time.After(work):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if p.Behaviour == behaviourFail {
			return "", fmt.Errorf("%s could not finish task %s", p.ID, task.ID)
		}
		return fmt.Sprintf("%s finished task %s", p.ID, task.ID), nil
	})
}
