// Package daemon is the long-running controller behind "xctl run": it
// restarts Xray when its config changes, keeps per-user telemetry fresh for
// the metrics endpoint and persists lifetime totals.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/lifecycle"
	"github.com/bigbes/xctl/internal/monitor"
	"github.com/bigbes/xctl/internal/porttracker"
	"github.com/bigbes/xctl/internal/reload"
	"github.com/bigbes/xctl/internal/scheduler"
	"github.com/bigbes/xctl/internal/stats"
	"github.com/bigbes/xctl/internal/statsdb"
	"github.com/bigbes/xctl/internal/store"
	"github.com/bigbes/xctl/internal/telemetry"
	"github.com/bigbes/xctl/internal/xray"
)

const (
	jobFlush  = "flush"
	jobHealth = "health"
	jobStatus = "status"

	healthSchedule = "@every 30s"
	statusSchedule = "@every 5m"
	stopTimeout    = 10 * time.Second
)

// Daemon keeps Xray in step with its config file and persists per-user
// traffic totals while "xctl run" is up.
type Daemon struct {
	settings  *config.Config
	store     *store.Store
	proxy     lifecycle.Controller
	db        *statsdb.Store
	collector monitor.Poller
	logger    *slog.Logger

	agg   *telemetry.Aggregator
	sched *scheduler.Scheduler
	now   func() time.Time

	mu      sync.Mutex
	cfg     *xray.Config
	dirty   bool // samples observed since the last save
	started time.Time
}

// New wires a daemon. db may be nil, in which case totals start from zero
// on every run and nothing is persisted.
func New(settings *config.Config, st *store.Store, proxy lifecycle.Controller, db *statsdb.Store, collector monitor.Poller, logger *slog.Logger) *Daemon {
	return &Daemon{
		settings:  settings,
		store:     st,
		proxy:     proxy,
		db:        db,
		collector: collector,
		logger:    logger,
		agg:       telemetry.New(settings.Stats.History),
		sched:     scheduler.New(logger),
		now:       time.Now,
	}
}

// Aggregator exposes the live telemetry.
func (d *Daemon) Aggregator() *telemetry.Aggregator { return d.agg }

// Run blocks until ctx is done. It fails only when the config cannot be
// loaded at start or a supervised Xray cannot be started.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := d.store.Load()
	if err != nil {
		return fmt.Errorf("daemon: loading xray config: %w", err)
	}
	pidFile := PIDFile(d.store.Path())
	if err := writePID(pidFile); err != nil {
		d.logger.Warn("failed to write pid file", "path", pidFile, "err", err)
	}
	defer removePID(pidFile)
	d.setConfig(cfg)
	if err := porttracker.Check(d.settings, cfg); err != nil {
		d.logger.Warn("port check failed", "err", err)
	}

	d.started = d.now()
	if d.db != nil {
		d.seed()
		if err := d.db.SetDaemonStartTime(d.started); err != nil {
			d.logger.Warn("failed to record start time", "err", err)
		}
	}

	if d.settings.Lifecycle.Mode == config.LifecycleProcess && !d.proxy.Running(ctx) {
		if err := d.proxy.Start(ctx); err != nil {
			return fmt.Errorf("daemon: starting xray: %w", err)
		}
	}

	if err := d.schedule(); err != nil {
		return err
	}
	d.sched.Start(ctx)

	mon := reload.New(d.store, d.store.Path(), d.settings.Reload.Interval, d.logger)
	events, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	monErr := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		monErr <- mon.Run(ctx)
	}()
	loop := &monitor.Loop{
		Collector:  d.collector,
		Aggregator: d.agg,
		Interval:   d.settings.Stats.Interval,
		Known:      d.emails,
		OnSample:   d.markDirty,
		Clock:      d.now,
		Logger:     d.logger.With("component", "monitor"),
	}
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			d.logger.Error("stats loop failed", "err", err)
		}
	}()

	d.logger.Info("controller running",
		"config", d.store.Path(),
		"users", len(cfg.Users()),
		"lifecycle", d.settings.Lifecycle.Mode,
	)

	var runErr error
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.apply(ctx, ev.Config)
		case err := <-monErr:
			// The watcher only stops early on a failed initial load.
			if err != nil {
				runErr = err
				done = true
			}
			monErr = nil
		}
	}

	d.logger.Info("shutting down controller")
	d.sched.Stop()
	wg.Wait()
	d.flush(context.Background())

	if d.settings.Lifecycle.Mode == config.LifecycleProcess {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := d.proxy.Stop(stopCtx); err != nil {
			d.logger.Error("failed to stop xray", "err", err)
		}
	}
	return runErr
}

func (d *Daemon) schedule() error {
	if err := d.sched.Add(jobFlush, d.settings.Stats.FlushSchedule, d.flush); err != nil {
		return err
	}
	if err := d.sched.Add(jobHealth, healthSchedule, d.checkProxy); err != nil {
		return err
	}
	return d.sched.Add(jobStatus, statusSchedule, d.logStatus)
}

// seed restores lifetime totals saved by an earlier run.
func (d *Daemon) seed() {
	recs, err := d.db.Users()
	if err != nil {
		d.logger.Warn("failed to load saved totals", "err", err)
		return
	}
	baselines := make(map[string]telemetry.Baseline, len(recs))
	for email, r := range recs {
		baselines[email] = telemetry.Baseline{
			Total:    stats.Counters{Uplink: r.UplinkTotal, Downlink: r.DownlinkTotal},
			LastSeen: stats.Counters{Uplink: r.UplinkLastSeen, Downlink: r.DownlinkLastSeen},
		}
	}
	d.agg.Seed(baselines)
	d.logger.Info("restored saved totals", "users", len(baselines))
}

// apply reacts to an adopted config change.
func (d *Daemon) apply(ctx context.Context, cfg *xray.Config) {
	old := d.setConfig(cfg)
	added, removed := diffUsers(old.Emails(), cfg.Emails())
	for _, email := range removed {
		d.logger.Info("user removed", "email", email)
	}
	for _, email := range added {
		d.logger.Info("user added", "email", email)
	}
	if err := porttracker.Check(d.settings, cfg); err != nil {
		d.logger.Warn("port check failed", "err", err)
	}

	// The restart zeroes Xray's counters; save what was counted so far.
	d.flush(ctx)
	if err := d.proxy.Restart(ctx); err != nil {
		d.logger.Error("failed to restart xray after config change", "err", err)
		return
	}
	d.logger.Info("xray restarted with new config", "users_added", len(added), "users_removed", len(removed))
}

// diffUsers returns the emails only in next and only in prev, in order.
func diffUsers(prev, next []string) (added, removed []string) {
	for _, e := range next {
		if !slices.Contains(prev, e) {
			added = append(added, e)
		}
	}
	for _, e := range prev {
		if !slices.Contains(next, e) {
			removed = append(removed, e)
		}
	}
	return added, removed
}

func (d *Daemon) setConfig(cfg *xray.Config) *xray.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cfg
	d.cfg = cfg
	return old
}

func (d *Daemon) emails() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Emails()
}

func (d *Daemon) markDirty(stats.Snapshot) {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}
