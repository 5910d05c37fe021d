package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/daemon"
	"github.com/bigbes/xctl/internal/statsdb"
)

const logo = `
 __  __     _   _ 
 \ \/ /___ | |_| |
  >  </ __|| __| |
 /_/\_\___| \__|_|
   ~~ xray control ~~`

// Run starts the long-running controller.
func Run(args []string, logger *slog.Logger, version string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	noStats := fs.Bool("no-statsdb", false, "do not persist lifetime totals")
	fs.Parse(args)

	settings, err := config.Load(*settingsPath)
	if err != nil {
		logger.Error("failed to load settings", "err", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: settings.ParseLogLevel()}))

	fmt.Println(logo)
	logger.Info("starting xctl", "version", version)
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	if obs := settings.ObservabilityHTTP; obs.Addr != "" {
		mux := http.NewServeMux()
		if obs.Pprof {
			// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
			mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		}
		if obs.Metrics {
			mux.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
			if err := http.ListenAndServe(obs.Addr, mux); err != nil {
				logger.Error("observability server failed", "err", err)
			}
		}()
	}

	var db *statsdb.Store
	if !*noStats {
		db, err = openStatsDB(settings, logger)
		if err != nil {
			logger.Warn("lifetime totals disabled", "err", err)
		} else {
			defer db.Close()
		}
	}

	d := daemon.New(settings, openStore(settings, logger), newController(settings, logger), db, newCollector(settings), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := d.Run(ctx); err != nil {
		cancel()
		if db != nil {
			db.Close()
		}
		logger.Error("controller error", "err", err)
		os.Exit(1)
	}
	cancel()
}
