package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bigbes/xctl/internal/link"
	"github.com/bigbes/xctl/internal/porttracker"
)

// Config dispatches "config check|show".
func Config(args []string, logger *slog.Logger) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: xctl config <check|show> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "check":
		CheckConfig(args[1:], logger)
	case "show":
		ShowConfig(args[1:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown config command: %s\n", args[0])
		os.Exit(1)
	}
}

// CheckConfig validates the settings and the xray config and reports port
// conflicts.
func CheckConfig(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("config check", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	cfg, err := openStore(settings, logger).Load()
	if err != nil {
		logger.Error("xray config is invalid", "path", settings.Xray.ConfigPath, "err", err)
		os.Exit(1)
	}
	if _, err := link.Get(settings.Xray.Protocol); err != nil {
		logger.Error("unsupported protocol", "err", err)
		os.Exit(1)
	}
	if err := porttracker.Check(settings, cfg); err != nil {
		logger.Error("port check failed", "err", err)
		os.Exit(1)
	}

	in, _ := cfg.Reality()
	pub := settings.Server.PublicKey
	if pub == "" {
		pub, _ = link.PublicKey(in.StreamSettings.RealitySettings.PrivateKey)
	}
	fmt.Printf("Config OK: %s\n", settings.Xray.ConfigPath)
	fmt.Printf("  protocol:    %s\n", cfg.Variant())
	fmt.Printf("  port:        %s\n", in.Port)
	fmt.Printf("  users:       %d\n", len(cfg.Users()))
	fmt.Printf("  public key:  %s\n", pub)
	for _, p := range porttracker.UsedPorts(settings, cfg) {
		fmt.Printf("  port %-5d   %s (%s)\n", p.Port, p.Owner, p.Proto)
	}
}

// ShowConfig prints the effective settings after defaults and environment
// overrides.
func ShowConfig(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	detectIP := fs.Bool("detect-ip", false, "resolve server.public_ip if unset")
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	if *detectIP {
		settings.Server.PublicIP = settings.ServerPublicIP(context.Background())
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		logger.Error("failed to render settings", "err", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}
