// Package monitor drives periodic stats polling into the aggregator and the
// dashboard.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bigbes/xctl/internal/dashboard"
	"github.com/bigbes/xctl/internal/stats"
	"github.com/bigbes/xctl/internal/telemetry"
)

// Poller is satisfied by *stats.Collector.
type Poller interface {
	Poll(ctx context.Context, email string) (stats.Snapshot, error)
}

// Loop polls every Interval until its context is cancelled. Ticks never
// overlap: a slow poll delays the next tick instead of running beside it.
type Loop struct {
	Collector  Poller
	Aggregator *telemetry.Aggregator
	// Renderer is optional; a headless loop only feeds the aggregator.
	Renderer dashboard.Renderer
	Interval time.Duration
	// User limits polling to one email and selects the single-user view.
	User string
	// Known returns the current config's users; called every tick.
	Known    func() []string
	OnSample func(stats.Snapshot)
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Run polls once immediately and then on every tick. It returns nil when
// ctx is cancelled; a poll in flight at that moment is abandoned.
func (l *Loop) Run(ctx context.Context) error {
	if l.Interval <= 0 {
		return errors.New("monitor: interval must be positive")
	}
	if l.Clock == nil {
		l.Clock = time.Now
	}
	if l.Logger == nil {
		l.Logger = slog.New(slog.DiscardHandler)
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.Known != nil {
		l.Aggregator.SetKnown(l.Known())
	}

	snap, err := l.Collector.Poll(ctx, l.User)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		l.Aggregator.Missed(err)
		l.Logger.Debug("stats poll failed", "err", err)
	} else {
		l.Aggregator.Observe(snap)
		if l.OnSample != nil {
			l.OnSample(snap)
		}
	}

	if l.Renderer == nil {
		return
	}
	view := dashboard.View{
		User:     l.User,
		Interval: l.Interval,
		Time:     l.Clock(),
		Users:    l.Aggregator.Users(),
		Totals:   l.Aggregator.Totals(),
		Status:   l.Aggregator.Status(),
		Err:      err,
	}
	if err := l.Renderer.Render(view); err != nil {
		l.Logger.Warn("failed to render dashboard", "err", err)
	}
}
