/*
scheduler.go - Automated overdue penalty sweep

PURPOSE:
  Periodically applies penalty and interest to every unpaid demand and water
  bill whose due date has passed. The same sweep backs the admin endpoint
  POST /api/admin/penalties/sweep.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps immediately on start, then on every tick
  - One transaction per bill inside the engine; a failing bill is counted
    and the sweep moves on
  - Re-running a sweep on the same day is harmless: interest never
    decreases and the one-time penalty is charged once

CONFIGURATION:
  - Interval: How often to sweep (default: 24 hours)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewPenaltyScheduler(engine, logger)
  scheduler.Observer = collector
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing/penalty.go: SweepOverdue
  - handlers.go: SweepPenalties endpoint (manual trigger)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// SweepObserver receives the outcome of every sweep.
type SweepObserver interface {
	ObserveSweep(res *billing.SweepResult, elapsed time.Duration)
}

// SweepRun is the summary of the most recent sweep.
type SweepRun struct {
	AsOf      time.Time
	StartedAt time.Time
	Elapsed   time.Duration
	Result    billing.SweepResult
	Err       error
}

// PenaltyScheduler runs SweepOverdue on an interval.
type PenaltyScheduler struct {
	Engine   *billing.Engine
	Observer SweepObserver
	Logger   *zap.Logger
	Interval time.Duration
	Enabled  bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	runMu   sync.Mutex
	lastMu  sync.Mutex
	lastRun *SweepRun
}

// NewPenaltyScheduler creates a scheduler with a daily interval.
func NewPenaltyScheduler(engine *billing.Engine, logger *zap.Logger) *PenaltyScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PenaltyScheduler{
		Engine:   engine,
		Logger:   logger.Named("scheduler"),
		Interval: 24 * time.Hour,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (ps *PenaltyScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Logger.Info("penalty scheduler disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.Interval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)

	go ps.run(ps.ticker, ps.stop)

	ps.Logger.Info("penalty scheduler started", zap.Duration("interval", ps.Interval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (ps *PenaltyScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.ticker = nil
		ps.Logger.Info("penalty scheduler stopped")
	}
}

func (ps *PenaltyScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ps.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	ps.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			ps.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (ps *PenaltyScheduler) sweep(ctx context.Context) {
	if _, err := ps.RunOnce(ctx, ps.Engine.Now()); err != nil {
		ps.Logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

// RunOnce sweeps as of asOf. Concurrent calls are serialised.
func (ps *PenaltyScheduler) RunOnce(ctx context.Context, asOf time.Time) (*billing.SweepResult, error) {
	ps.runMu.Lock()
	defer ps.runMu.Unlock()

	start := time.Now()
	res, err := ps.Engine.SweepOverdue(ctx, asOf, billing.SystemActor)
	elapsed := time.Since(start)

	run := &SweepRun{AsOf: asOf, StartedAt: start, Elapsed: elapsed, Err: err}
	if res != nil {
		run.Result = *res
	}
	ps.lastMu.Lock()
	ps.lastRun = run
	ps.lastMu.Unlock()

	if err != nil {
		return nil, err
	}
	if ps.Observer != nil {
		ps.Observer.ObserveSweep(res, elapsed)
	}
	ps.Logger.Info("penalty sweep completed",
		zap.String("as_of", asOf.Format(dateLayout)),
		zap.Int("scanned", res.Scanned),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// LastRun returns the most recent sweep, nil before the first one.
func (ps *PenaltyScheduler) LastRun() *SweepRun {
	ps.lastMu.Lock()
	defer ps.lastMu.Unlock()
	return ps.lastRun
}

// NextRunTime returns when the next scheduled sweep will occur.
func (ps *PenaltyScheduler) NextRunTime() time.Time {
	return time.Now().Add(ps.Interval)
}
