// Package lifecycle starts, stops and restarts the Xray process so that it
// picks up a changed config.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/metrics"
)

// Controller manages the proxy process.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Running(ctx context.Context) bool
}

// New returns the controller selected by settings.Lifecycle.Mode.
func New(settings *config.Config, logger *slog.Logger) (Controller, error) {
	logger = logger.With("component", "lifecycle", "mode", settings.Lifecycle.Mode)
	switch settings.Lifecycle.Mode {
	case config.LifecycleNone:
		return Noop{}, nil
	case config.LifecycleDocker:
		return NewDocker(settings.Xray.Container, logger), nil
	case config.LifecycleProcess:
		p := NewProcess(settings.Xray.Binary, settings.Xray.ConfigPath, logger)
		p.Stdout, p.Stderr = os.Stdout, os.Stderr
		return p, nil
	default:
		return nil, fmt.Errorf("lifecycle: unknown mode %q", settings.Lifecycle.Mode)
	}
}

func observeRestart(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ProxyRestartsTotal.WithLabelValues(result).Inc()
}

// Noop is used when something else supervises Xray.
type Noop struct{}

func (Noop) Start(context.Context) error   { return nil }
func (Noop) Stop(context.Context) error    { return nil }
func (Noop) Restart(context.Context) error { return nil }
func (Noop) Running(context.Context) bool  { return true }
