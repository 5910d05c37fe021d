package commands

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/daemon"
	"github.com/bigbes/xctl/internal/lifecycle"
	"github.com/bigbes/xctl/internal/link"
	"github.com/bigbes/xctl/internal/stats"
	"github.com/bigbes/xctl/internal/statsdb"
	"github.com/bigbes/xctl/internal/store"
	"github.com/bigbes/xctl/internal/xray"
)

const defaultSettingsPath = "configs/xctl.yaml"

func settingsFlag(fs *flag.FlagSet) *string {
	return fs.String("settings", defaultSettingsPath, "path to xctl settings file")
}

// loadSettings loads the settings file and returns a logger at its level.
func loadSettings(path string, logger *slog.Logger) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load settings", "err", err)
		os.Exit(1)
	}
	return cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))
}

func openStore(settings *config.Config, logger *slog.Logger) *store.Store {
	return store.Open(settings.Xray.ConfigPath, settings.Backup.Dir, settings.Backup.Retention, logger.With("component", "store"))
}

func newCollector(settings *config.Config) *stats.Collector {
	var q stats.Querier = stats.ExecQuerier{Argv: settings.Stats.Command}
	if settings.Stats.URL != "" {
		q = stats.HTTPQuerier{URL: settings.Stats.URL}
	}
	return stats.NewCollector(q, settings.Stats.Timeout)
}

func newController(settings *config.Config, logger *slog.Logger) lifecycle.Controller {
	c, err := lifecycle.New(settings, logger)
	if err != nil {
		logger.Error("failed to set up lifecycle", "err", err)
		os.Exit(1)
	}
	return c
}

// restartProxy restarts Xray so it reads the saved config. Failure is
// reported but the saved config stays.
func restartProxy(ctx context.Context, settings *config.Config, logger *slog.Logger) bool {
	switch settings.Lifecycle.Mode {
	case config.LifecycleNone:
		return true
	case config.LifecycleProcess:
		// The supervising "xctl run" reloads on its own.
		logger.Info("config saved, xctl run will restart xray when it picks up the change")
		return true
	}
	if pid, ok := daemon.Active(settings.Xray.ConfigPath); ok {
		logger.Info("config saved, the running controller will restart xray", "pid", pid)
		return true
	}
	if err := newController(settings, logger).Restart(ctx); err != nil {
		logger.Error("config saved but proxy restart failed", "err", err)
		return false
	}
	return true
}

// userLink renders the share link for email from cfg.
func userLink(ctx context.Context, settings *config.Config, cfg *xray.Config, email string) (string, error) {
	user, ok := cfg.FindUser(email)
	if !ok {
		return "", fmt.Errorf("user %q not found", email)
	}
	in, err := cfg.Reality()
	if err != nil {
		return "", err
	}
	strategy, err := link.Get(settings.Xray.Protocol)
	if err != nil {
		return "", err
	}
	host := settings.ServerPublicIP(ctx)
	if host == "" {
		return "", fmt.Errorf("cannot determine server address, set server.public_ip or SERVER_IP")
	}
	return strategy.Link(in, user, host, settings.Server.PublicKey)
}

// confirm asks a yes/no question on out and reads the answer from in.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// parseArgs parses flags that may follow positional arguments, as in
// "remove alice -force", and returns the positional ones.
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var pos []string
	for {
		fs.Parse(args)
		args = fs.Args()
		if len(args) == 0 {
			return pos
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

// requireArg returns the single positional argument or exits with usage.
func requireArg(fs *flag.FlagSet, pos []string, what string) string {
	if len(pos) != 1 || pos[0] == "" {
		fmt.Fprintf(os.Stderr, "error: %s is required\n", what)
		fs.Usage()
		os.Exit(1)
	}
	return pos[0]
}

// openStatsDB opens the lifetime totals database, creating its directory.
func openStatsDB(settings *config.Config, logger *slog.Logger) (*statsdb.Store, error) {
	if settings.Stats.DBPath == "" {
		return nil, fmt.Errorf("stats.db_path is not set and no cache directory is available")
	}
	if err := os.MkdirAll(filepath.Dir(settings.Stats.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating stats directory: %w", err)
	}
	return statsdb.Open(settings.Stats.DBPath, logger.With("component", "statsdb"))
}
