package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/xctl/internal/config"
)

// Service handles start, stop and restart of the proxy.
func Service(verb string, args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	if settings.Lifecycle.Mode == config.LifecycleProcess {
		logger.Error("in process mode xray is supervised by 'xctl run'", "action", verb)
		os.Exit(1)
	}
	c := newController(settings, logger)
	ctx := context.Background()

	var err error
	switch verb {
	case "start":
		err = c.Start(ctx)
	case "stop":
		err = c.Stop(ctx)
	case "restart":
		err = c.Restart(ctx)
	default:
		err = fmt.Errorf("unknown action %q", verb)
	}
	if err != nil {
		logger.Error("failed to "+verb+" xray", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Service %s: ok (running: %t)\n", verb, c.Running(ctx))
}
