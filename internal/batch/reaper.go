package batch

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"convoy/internal/logging"
)

// Reaper periodically sweeps all actors and re-arms fires for batches that
// would otherwise wait for inbound traffic to recover: stuck actives and
// orphaned collecting batches whose timer was lost across a restart.
type Reaper struct {
	engine   *Engine
	cron     *cron.Cron
	logger   logging.Logger
	schedule string
	stopOnce sync.Once
}

// NewReaper builds a reaper sweeping on the given cron schedule (5-field);
// empty means every minute.
func NewReaper(engine *Engine, schedule string, logger logging.Logger) *Reaper {
	if schedule == "" {
		schedule = "* * * * *"
	}
	return &Reaper{
		engine:   engine,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logging.OrNop(logger),
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the cron loop.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.Sweep); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("reaper: started (schedule=%s)", r.schedule)
	return nil
}

// Stop halts the cron loop, waiting for an in-flight sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		<-r.cron.Stop().Done()
		r.logger.Info("reaper: stopped")
	})
}

// Sweep examines every actor once. Recovery work is delegated to the
// normal fire path, which already knows how to reclaim and promote.
func (r *Reaper) Sweep() {
	ctx := context.Background()
	e := r.engine
	actors, err := e.store.List(ctx)
	if err != nil {
		r.logger.Warn("reaper: list actors: %v", err)
		return
	}
	now := e.now()
	for _, actorID := range actors {
		st, err := e.store.Get(ctx, actorID)
		if err != nil {
			r.logger.Warn("reaper: load actor %s: %v", actorID, err)
			continue
		}
		if st == nil {
			continue
		}
		if e.cfg.Stuck.IsStuck(st.Active, now) {
			r.logger.Warn("reaper: actor %s has stuck batch %s, re-arming fire", actorID, st.Active.BatchID)
			e.scheduleFire(ctx, actorID, st.Active.BatchID, 0)
			continue
		}
		if age, ok := pendingAge(st, now); ok && age > e.cfg.CoalesceWindow && !st.Active.HasMessages() {
			r.logger.Info("reaper: actor %s has orphaned pending batch %s (age=%s), re-arming fire",
				actorID, st.Pending.BatchID, age)
			e.scheduleFire(ctx, actorID, st.Pending.BatchID, 0)
		}
	}
}
