package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bigbes/xctl/internal/dashboard"
	"github.com/bigbes/xctl/internal/monitor"
	"github.com/bigbes/xctl/internal/reload"
	"github.com/bigbes/xctl/internal/stats"
	"github.com/bigbes/xctl/internal/telemetry"
	"github.com/bigbes/xctl/internal/xray"
)

// Stats prints a one-shot traffic snapshot for one user or the whole server.
func Stats(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	pos := parseArgs(fs, args)

	settings, logger := loadSettings(*settingsPath, logger)
	cfg, err := openStore(settings, logger).Load()
	if err != nil {
		logger.Error("failed to read xray config", "err", err)
		os.Exit(1)
	}

	var email string
	if len(pos) > 0 {
		email = pos[0]
	}
	var user xray.UserEntry
	if email != "" {
		var ok bool
		if user, ok = cfg.FindUser(email); !ok {
			logger.Error("user not found", "email", email)
			os.Exit(1)
		}
	}

	snap, err := newCollector(settings).Poll(context.Background(), email)
	if err != nil {
		logger.Error("failed to query xray stats", "err", err)
		os.Exit(1)
	}

	if email != "" {
		err = dashboard.PrintSnapshot(os.Stdout, email, "UUID: "+user.ID, snap.Users[email])
	} else {
		emails := cfg.Emails()
		var total stats.Counters
		for _, e := range emails {
			c := snap.Users[e]
			total.Uplink += c.Uplink
			total.Downlink += c.Downlink
		}
		err = dashboard.PrintSnapshot(os.Stdout, "Global Server Stats", fmt.Sprintf("Active Users: %d", len(emails)), total)
	}
	if err != nil {
		logger.Error("failed to print stats", "err", err)
		os.Exit(1)
	}
}

// Watch runs the live dashboard until interrupted.
func Watch(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	interval := fs.Duration("interval", 0, "refresh interval (default stats.interval)")
	pos := parseArgs(fs, args)

	settings, logger := loadSettings(*settingsPath, logger)
	if *interval <= 0 {
		*interval = settings.Stats.Interval
	}

	st := openStore(settings, logger)
	initial, err := st.Load()
	if err != nil {
		logger.Error("failed to read xray config", "err", err)
		os.Exit(1)
	}
	var email string
	if len(pos) > 0 {
		email = pos[0]
		if _, ok := initial.FindUser(email); !ok {
			logger.Error("user not found", "email", email)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Users added or removed while watching show up without a restart.
	mon := reload.New(st, st.Path(), settings.Reload.Interval, logger)
	go func() {
		if err := mon.Run(ctx); err != nil {
			logger.Warn("config watch stopped", "err", err)
		}
	}()

	target := "Global Server"
	if email != "" {
		target = email
	}
	fmt.Printf("Monitoring: %s   Press Ctrl+C to stop\n\n", target)

	loop := &monitor.Loop{
		Collector:  newCollector(settings),
		Aggregator: telemetry.New(settings.Stats.History),
		Renderer:   dashboard.NewTerminal(os.Stdout, settings.Stats.History),
		Interval:   *interval,
		User:       email,
		Known: func() []string {
			if cfg := mon.Current(); cfg != nil {
				return cfg.Emails()
			}
			return initial.Emails()
		},
		Logger: logger,
	}
	start := time.Now()
	if err := loop.Run(ctx); err != nil {
		logger.Error("monitor failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("\nStopped after %s.\n", time.Since(start).Round(time.Second))
}
