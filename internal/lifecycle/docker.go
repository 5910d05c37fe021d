package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Docker controls a container through the docker CLI.
type Docker struct {
	Container string

	logger *slog.Logger
	run    func(ctx context.Context, args ...string) ([]byte, error)
}

func NewDocker(container string, logger *slog.Logger) *Docker {
	return &Docker{Container: container, logger: logger, run: dockerCLI}
}

func dockerCLI(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

func (d *Docker) do(ctx context.Context, verb string) error {
	if _, err := d.run(ctx, verb, d.Container); err != nil {
		return fmt.Errorf("lifecycle: docker %s %s: %w", verb, d.Container, err)
	}
	d.logger.Info("docker "+verb, "container", d.Container)
	return nil
}

func (d *Docker) Start(ctx context.Context) error { return d.do(ctx, "start") }

func (d *Docker) Stop(ctx context.Context) error { return d.do(ctx, "stop") }

func (d *Docker) Restart(ctx context.Context) error {
	err := d.do(ctx, "restart")
	observeRestart(err)
	return err
}

// Running reports whether the container is up. Errors count as not running.
func (d *Docker) Running(ctx context.Context) bool {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", d.Container)
	if err != nil {
		d.logger.Debug("docker inspect failed", "container", d.Container, "err", err)
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}
