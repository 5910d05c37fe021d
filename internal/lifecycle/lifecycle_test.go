package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bigbes/xctl/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNew(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{config.LifecycleNone, "lifecycle.Noop"},
		{config.LifecycleDocker, "*lifecycle.Docker"},
		{config.LifecycleProcess, "*lifecycle.Process"},
	}
	for _, tt := range tests {
		settings := &config.Config{Lifecycle: config.LifecycleConfig{Mode: tt.mode}}
		c, err := New(settings, testLogger())
		if err != nil {
			t.Fatalf("%s: %v", tt.mode, err)
		}
		if got := reflect.TypeOf(c).String(); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.mode, got, tt.want)
		}
	}
	if _, err := New(&config.Config{Lifecycle: config.LifecycleConfig{Mode: "systemd"}}, testLogger()); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestDocker(t *testing.T) {
	var calls []string
	d := NewDocker("xray-core", testLogger())
	d.run = func(ctx context.Context, args ...string) ([]byte, error) {
		calls = append(calls, strings.Join(args, " "))
		if args[0] == "inspect" {
			return []byte("true\n"), nil
		}
		return nil, nil
	}

	ctx := context.Background()
	if err := d.Restart(ctx); err != nil {
		t.Fatal(err)
	}
	if !d.Running(ctx) {
		t.Error("container reported as stopped")
	}
	want := []string{"restart xray-core", "inspect -f {{.State.Running}} xray-core"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %q", calls)
	}

	d.run = func(context.Context, ...string) ([]byte, error) {
		return nil, errors.New("no such container")
	}
	if err := d.Stop(ctx); err == nil || !strings.Contains(err.Error(), "no such container") {
		t.Errorf("stop error = %v", err)
	}
	if d.Running(ctx) {
		t.Error("failing inspect reported running")
	}
}

func TestProcessLifecycle(t *testing.T) {
	p := NewProcess("sleep", "", testLogger())
	p.Args = []string{"30"}
	ctx := context.Background()

	if p.Running(ctx) {
		t.Fatal("running before start")
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.Running(ctx) {
		t.Fatal("not running after start")
	}
	first := p.cmd.Process.Pid

	if err := p.Restart(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.Running(ctx) || p.cmd.Process.Pid == first {
		t.Fatal("restart did not replace the process")
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if p.Running(ctx) {
		t.Fatal("running after stop")
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestProcessKillAfterGrace(t *testing.T) {
	p := NewProcess("sh", "", testLogger())
	p.Args = []string{"-c", `trap "" TERM; sleep 5`}
	p.GracePeriod = 100 * time.Millisecond
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if p.Running(ctx) {
		t.Fatal("still running")
	}
	if took := time.Since(start); took > 3*time.Second {
		t.Fatalf("stop took %v", took)
	}
}

func TestProcessStartMissingBinary(t *testing.T) {
	p := NewProcess("/nonexistent/xray", "config.json", testLogger())
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if p.Running(context.Background()) {
		t.Fatal("reported running")
	}
}
