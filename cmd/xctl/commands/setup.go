package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/link"
	"github.com/bigbes/xctl/internal/verify"
	"github.com/bigbes/xctl/internal/xray"
)

const defaultServerName = "web.max.ru"

// CheckDomain reports whether a domain can be used as the Reality SNI.
func CheckDomain(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("check-domain", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	resolver := fs.String("resolver", "", "DNS server, host:port (default: first nameserver of /etc/resolv.conf)")
	timeout := fs.Duration("timeout", verify.DefaultTimeout, "DNS and TLS timeout")
	pos := parseArgs(fs, args)
	domain := requireArg(fs, pos, "domain")

	settings, logger := loadSettings(*settingsPath, logger)
	v := newVerifier(settings, *resolver, *timeout, "", logger)

	res, err := v.Verify(context.Background(), domain)
	if err != nil {
		fmt.Printf("%s is poor: %v\n", domain, err)
		os.Exit(1)
	}
	fmt.Printf("%s is excellent: %s\n", domain, res)
}

// Init writes a fresh VLESS+Reality config masquerading as a verified
// domain.
func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	settingsPath := settingsFlag(fs)
	domain := fs.String("domain", "", "masking domain (SNI) for Reality")
	fs.StringVar(domain, "d", "", "shorthand for -domain")
	port := fs.Int("port", 0, "inbound port (default: xray.port from settings, or 443)")
	privateKey := fs.String("private-key", "", "x25519 private key as printed by 'xray x25519' (generated when empty)")
	force := fs.Bool("force", false, "overwrite an existing config without asking")
	fs.BoolVar(force, "f", false, "shorthand for -force")
	skipCheck := fs.Bool("skip-check", false, "use the domain even if it fails verification")
	resolver := fs.String("resolver", "", "DNS server for the domain check, host:port")
	fs.Parse(args)

	settings, logger := loadSettings(*settingsPath, logger)
	ctx := context.Background()

	if _, err := os.Stat(settings.Xray.ConfigPath); err == nil && !*force {
		fmt.Printf("Configuration %s already exists.\n", settings.Xray.ConfigPath)
		if !confirm(os.Stdin, os.Stdout, "Do you want to overwrite it?") {
			fmt.Println("Operation cancelled.")
			return
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to inspect xray config", "path", settings.Xray.ConfigPath, "err", err)
		os.Exit(1)
	}

	serverIP := settings.ServerPublicIP(ctx)
	if serverIP == "" {
		logger.Warn("failed to detect server IP, set server.public_ip or SERVER_IP; links will need it")
	} else {
		fmt.Printf("Server IP: %s\n", serverIP)
	}

	serverName := verify.Hostname(*domain)
	if serverName == "" {
		serverName = defaultServerName
	}
	v := newVerifier(settings, *resolver, verify.DefaultTimeout, serverIP, logger)
	res, err := v.Verify(ctx, serverName)
	switch {
	case err == nil:
		fmt.Printf("Masking domain %s: %s\n", serverName, res)
	case *skipCheck:
		logger.Warn("masking domain failed verification, using it anyway", "domain", serverName, "err", err)
	default:
		fmt.Printf("Domain issue: %v\n", err)
		fmt.Println("A good domain must resolve, support TLS 1.3/H2, and not be this server.")
		if !confirm(os.Stdin, os.Stdout, "Use this domain anyway (not recommended)?") {
			os.Exit(1)
		}
	}

	pub := ""
	if *privateKey == "" {
		*privateKey, pub, err = link.GenerateKey()
	} else {
		pub, err = link.PublicKey(*privateKey)
	}
	if err != nil {
		logger.Error("invalid private key", "err", err)
		os.Exit(1)
	}

	if settings.Server.PublicKey != "" && settings.Server.PublicKey != pub {
		logger.Warn("server.public_key does not match the new private key, clear it or links will not connect")
	}

	inboundPort := *port
	if inboundPort == 0 {
		inboundPort = settings.Xray.Port
	}
	if inboundPort == 0 {
		inboundPort = 443
	}
	apiPort := settings.Xray.APIPort()
	if apiPort == 0 {
		apiPort = 10085
	}

	cfg, err := xray.NewReality(xray.RealityParams{
		Port:       inboundPort,
		APIPort:    apiPort,
		ServerName: serverName,
		PrivateKey: *privateKey,
	})
	if err != nil {
		logger.Error("failed to build xray config", "err", err)
		os.Exit(1)
	}
	backup, err := openStore(settings, logger).Save(cfg)
	if err != nil {
		logger.Error("failed to write xray config", "err", err)
		os.Exit(1)
	}

	in, _ := cfg.Reality()
	fmt.Println()
	fmt.Println("Setup completed!")
	fmt.Printf("  config:      %s\n", settings.Xray.ConfigPath)
	if backup != nil {
		fmt.Printf("  replaced:    backup %d\n", backup.Seq)
	}
	fmt.Printf("  protocol:    %s\n", cfg.Variant())
	fmt.Printf("  port:        %s\n", in.Port)
	fmt.Printf("  sni:         %s\n", serverName)
	fmt.Printf("  short id:    %s\n", in.StreamSettings.RealitySettings.ShortIDs[0])
	fmt.Printf("  public key:  %s\n", pub)
	fmt.Println()
	fmt.Println("Next: start xray, then 'xctl add <email>'.")
}

// newVerifier builds a domain verifier that refuses this server's address.
func newVerifier(settings *config.Config, resolver string, timeout time.Duration, serverIP string, logger *slog.Logger) *verify.Verifier {
	v := verify.New(resolver, logger.With("component", "verify"))
	v.Timeout = timeout
	if serverIP == "" {
		serverIP = settings.Server.PublicIP
	}
	if ip, err := netip.ParseAddr(serverIP); err == nil {
		v.Forbidden = append(v.Forbidden, ip.Unmap())
	}
	return v
}
