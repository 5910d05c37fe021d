package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const defaultGracePeriod = 5 * time.Second

// Process supervises xray as a child process.
type Process struct {
	Binary     string
	ConfigPath string
	// Args overrides the default "run -c <ConfigPath>".
	Args           []string
	Stdout, Stderr io.Writer
	// GracePeriod is how long Stop waits after SIGTERM before killing.
	GracePeriod time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool
}

func NewProcess(binary, configPath string, logger *slog.Logger) *Process {
	return &Process{
		Binary:      binary,
		ConfigPath:  configPath,
		GracePeriod: defaultGracePeriod,
		logger:      logger,
	}
}

// Start launches the process unless it is already running. The child is not
// bound to ctx.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Process) startLocked() error {
	if p.runningLocked() {
		return nil
	}
	args := p.Args
	if args == nil {
		args = []string{"run", "-c", p.ConfigPath}
	}
	cmd := exec.Command(p.Binary, args...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lifecycle: start %s: %w", p.Binary, err)
	}
	done := make(chan struct{})
	p.cmd, p.done = cmd, done
	p.stopping.Store(false)
	p.logger.Info("started subprocess", "binary", p.Binary, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		if err != nil && !p.stopping.Load() {
			p.logger.Error("subprocess exited", "err", err)
		}
		close(done)
	}()
	return nil
}

// Stop sends SIGTERM and kills the process if it has not exited within the
// grace period.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked(ctx)
}

func (p *Process) stopLocked(ctx context.Context) error {
	if !p.runningLocked() {
		return nil
	}
	p.stopping.Store(true)
	p.cmd.Process.Signal(syscall.SIGTERM)

	grace := p.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		p.logger.Warn("force killing subprocess", "pid", p.cmd.Process.Pid)
		p.cmd.Process.Kill()
	case <-ctx.Done():
		p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: stop %s: %w", p.Binary, ctx.Err())
	}
}

func (p *Process) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.stopLocked(ctx)
	if err == nil {
		err = p.startLocked()
	}
	observeRestart(err)
	return err
}

func (p *Process) Running(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Process) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
