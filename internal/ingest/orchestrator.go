// Package ingest drives the task registry to completion with a pool of
// concurrent download workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickvault/internal/domain"
	"tickvault/internal/fetch"
	"tickvault/internal/registry"
	"tickvault/internal/store"
	"tickvault/internal/util"
)

// Options configures a run.
type Options struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Cooldown pauses dispatch after a provider rate-limit error.
	Cooldown time.Duration

	// StaleClaim is the age past which an InProgress task left by a crashed
	// process is repaired to Failed at run start.
	StaleClaim time.Duration

	// StartDate is where history begins for symbols with no stored data.
	StartDate time.Time

	// ReportDir, when set, receives a .lastrun.json summary after the run.
	ReportDir string
}

// Orchestrator owns the registry for the duration of a run. Workers mutate
// individual tasks only through registry operations.
type Orchestrator struct {
	registry *registry.Registry
	store    store.BarStore
	client   fetch.Client
	opts     Options

	gate cooldownGate

	fatalOnce sync.Once
	fatalErr  error

	log *slog.Logger
}

// New creates an Orchestrator over the given registry, store, and fetch
// client.
func New(reg *registry.Registry, st store.BarStore, client fetch.Client, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Orchestrator{
		registry: reg,
		store:    st,
		client:   client,
		opts:     opts,
		log:      slog.Default().With("component", "ingest"),
	}
}

// Run repairs stale claims, then spawns the worker pool and blocks until the
// registry has no claimable work or a fatal error stops the run. The final
// stats are returned either way.
func (o *Orchestrator) Run(ctx context.Context) (domain.Stats, error) {
	repaired, err := o.registry.RepairStale(ctx, o.opts.StaleClaim)
	if err != nil {
		return domain.Stats{}, err
	}
	if repaired > 0 {
		o.log.Warn("repaired stale in-progress tasks", "count", repaired)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < o.opts.Workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.worker(runCtx, cancel, id)
		}(w)
	}
	wg.Wait()

	stats, err := o.registry.Stats(ctx)
	if err != nil {
		return stats, err
	}

	byClass, err := o.registry.FailedByClass(ctx)
	if err != nil {
		return stats, err
	}

	o.log.Info("run finished",
		"completed", stats.Completed,
		"failed", stats.Failed,
		"pending", stats.Pending,
		"elapsed", time.Since(start).Round(time.Second),
	)
	for class, n := range byClass {
		o.log.Info("failure breakdown", "class", class, "count", n)
	}

	if o.opts.ReportDir != "" {
		if err := o.writeReport(ctx, stats, byClass); err != nil {
			o.log.Warn("could not write run report", "error", err)
		}
	}

	if o.fatalErr != nil {
		return stats, o.fatalErr
	}
	return stats, ctx.Err()
}

// worker claims and processes tasks until none remain or the run is stopped.
func (o *Orchestrator) worker(ctx context.Context, stop context.CancelFunc, id int) {
	log := o.log.With("worker", id)
	for {
		if err := o.gate.Wait(ctx); err != nil {
			return
		}

		task, err := o.registry.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claiming task", "error", err)
			}
			return
		}
		if task == nil {
			return
		}

		if err := o.process(ctx, log, task); err != nil {
			var auth *fetch.AuthError
			if errors.As(err, &auth) {
				// Credentials are dead; burning quota on other tasks helps
				// nobody. Stop the whole pool.
				o.fatalOnce.Do(func() { o.fatalErr = err })
				log.Error("fatal authentication failure, stopping run", "task", task.Key())
				stop()
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// process runs the retry loop for one task. The returned error is non-nil
// only for fatal conditions or cancellation; ordinary task failures are
// recorded in the registry and absorbed.
func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, task *domain.Task) error {
	backoff := &util.Backoff{
		Base:        o.opts.BaseBackoff,
		Max:         o.opts.MaxBackoff,
		MaxAttempts: o.opts.MaxAttempts,
	}

	for {
		err := o.attempt(ctx, task)
		if err == nil {
			if cerr := o.registry.Complete(ctx, task); cerr != nil {
				return cerr
			}
			log.Debug("task completed", "task", task.Key())
			return nil
		}

		class := fetch.Classify(err)

		var auth *fetch.AuthError
		if errors.As(err, &auth) {
			o.fail(ctx, log, task, class, err)
			return err
		}

		var integ *fetch.DataIntegrityError
		if errors.As(err, &integ) {
			// Never written; failed for manual review.
			o.fail(ctx, log, task, class, err)
			log.Warn("task failed integrity checks", "task", task.Key(), "invalid", integ.Invalid)
			return nil
		}

		var rl *fetch.RateLimitError
		if errors.As(err, &rl) {
			// Provider quota tripped: pause dispatch pool-wide instead of
			// burning attempts task by task.
			o.gate.Trip(o.opts.Cooldown)
			log.Warn("rate limited, pausing dispatch", "task", task.Key(), "cooldown", o.opts.Cooldown)
		}

		delay := backoff.Next()
		if backoff.Exhausted() {
			o.fail(ctx, log, task, class, err)
			log.Warn("task failed", "task", task.Key(), "class", class, "attempts", backoff.Attempt(), "error", err)
			return nil
		}

		if rl != nil {
			// Cooldown supersedes the exponential delay.
			if werr := o.gate.Wait(ctx); werr != nil {
				o.fail(ctx, log, task, class, err)
				return werr
			}
			continue
		}
		if serr := util.Sleep(ctx, delay); serr != nil {
			o.fail(ctx, log, task, class, err)
			return serr
		}
	}
}

// fail records the task failure, logging when the registry write itself fails
// so the task is not silently left in_progress.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, task *domain.Task, class string, err error) {
	if ferr := o.registry.Fail(ctx, task, class, err); ferr != nil {
		log.Error("recording task failure", "task", task.Key(), "error", ferr)
	}
}

// attempt performs one fetch-validate-write cycle for the task.
func (o *Orchestrator) attempt(ctx context.Context, task *domain.Task) error {
	from := o.opts.StartDate
	last, ok, err := o.store.LastTimestamp(ctx, task.Category, task.Symbol, task.Timeframe)
	if err != nil {
		return fmt.Errorf("reading last timestamp for %s: %w", task.Key(), err)
	}
	if ok {
		// Fetch only the gap since the last stored bar.
		from = last.Add(task.Timeframe.Interval())
	}

	to := time.Now().UTC()
	if !to.After(from) {
		// Already up to date.
		return nil
	}

	bars, err := o.client.FetchRange(ctx, task.Symbol, task.Timeframe, from, to)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		// The window legitimately has no data.
		return nil
	}

	if invalid, verr := domain.ValidateBars(bars); invalid > 0 {
		return &fetch.DataIntegrityError{Invalid: invalid, Err: verr}
	}

	if err := o.store.Write(ctx, task.Category, task.Symbol, task.Timeframe, bars, store.Append); err != nil {
		return fmt.Errorf("writing bars for %s: %w", task.Key(), err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Cooldown gate
// ---------------------------------------------------------------------------

// cooldownGate pauses task dispatch across all workers after a rate-limit
// error. Trip extends the pause; Wait blocks until it passes.
type cooldownGate struct {
	mu    sync.Mutex
	until time.Time
}

func (g *cooldownGate) Trip(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u := time.Now().Add(d); u.After(g.until) {
		g.until = u
	}
}

func (g *cooldownGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		remaining := time.Until(g.until)
		g.mu.Unlock()
		if remaining <= 0 {
			return ctx.Err()
		}
		if err := util.Sleep(ctx, remaining); err != nil {
			return err
		}
	}
}
