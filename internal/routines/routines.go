// Package routines implements the two cooperatively-scheduled watcher
// loops that drive epoch progression on timers and transaction-count
// thresholds: the prepare watcher and the commit watcher.
package routines

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"merkleverse/internal/epoch"
	"merkleverse/internal/merrors"
	"merkleverse/internal/protocol"
	"merkleverse/internal/txpool"
)

// Timing and threshold constants, fixed per spec.md §6 unless an
// operator explicitly overrides them via Config.
const (
	LoopInterval    = time.Second
	PrepareAfter    = time.Second
	CommitAfter     = time.Second
	MinTransactions = 1
	MaxTransactions = 20
)

// Config lets an operator override the fixed timing constants; a zero
// Config uses the spec defaults.
type Config struct {
	LoopInterval    time.Duration
	PrepareAfter    time.Duration
	CommitAfter     time.Duration
	MinTransactions int
	MaxTransactions int
}

func (c Config) withDefaults() Config {
	if c.LoopInterval == 0 {
		c.LoopInterval = LoopInterval
	}
	if c.PrepareAfter == 0 {
		c.PrepareAfter = PrepareAfter
	}
	if c.CommitAfter == 0 {
		c.CommitAfter = CommitAfter
	}
	if c.MinTransactions == 0 {
		c.MinTransactions = MinTransactions
	}
	if c.MaxTransactions == 0 {
		c.MaxTransactions = MaxTransactions
	}
	return c
}

// Watchers owns the two long-running loops for one server.
type Watchers struct {
	engine *protocol.Engine
	state  *epoch.State
	pool   *txpool.Pool
	cfg    Config
	log    *log.Entry
}

// New builds a Watchers instance. Pass a zero Config to use the spec's
// fixed timing constants.
func New(engine *protocol.Engine, state *epoch.State, pool *txpool.Pool, cfg Config, logger *log.Entry) *Watchers {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Watchers{engine: engine, state: state, pool: pool, cfg: cfg.withDefaults(), log: logger}
}

// Run starts both watcher loops and blocks until ctx is cancelled.
func (w *Watchers) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { w.runPrepareWatcher(ctx); done <- struct{}{} }()
	go func() { w.runCommitWatcher(ctx); done <- struct{}{} }()
	<-done
	<-done
}

func (w *Watchers) runPrepareWatcher(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tickPrepare(ctx)
		}
	}
}

func (w *Watchers) tickPrepare(ctx context.Context) {
	if w.state.IsPreparing() {
		return
	}
	timeTrigger := w.state.TimeSinceCommitExceeds(w.cfg.PrepareAfter)
	count := w.pool.Count(w.state.CurrentEpoch())
	if (timeTrigger || count >= w.cfg.MaxTransactions) && count >= w.cfg.MinTransactions {
		if err := w.engine.BroadcastPrepare(ctx); err != nil {
			if kind, ok := merrors.KindOf(err); ok && kind == merrors.AlreadyPreparing {
				return
			}
			w.log.WithError(err).Warn("prepare watcher: broadcast_prepare failed")
		}
	}
}

func (w *Watchers) runCommitWatcher(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tickCommit(ctx)
		}
	}
}

func (w *Watchers) tickCommit(ctx context.Context) {
	if !w.state.IsPreparing() {
		return
	}
	if !w.state.TimeSincePrepareExceeds(w.cfg.CommitAfter) {
		return
	}
	if err := w.engine.TriggerCommit(ctx); err != nil {
		w.log.WithError(err).Warn("commit watcher: trigger_commit failed")
	}
}
