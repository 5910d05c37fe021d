package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbes/xctl/internal/xray"
)

const (
	LifecycleNone    = "none"
	LifecycleDocker  = "docker"
	LifecycleProcess = "process"
)

type Config struct {
	LogLevel          string                  `yaml:"log_level"`
	CacheDir          string                  `yaml:"cache_dir"`
	Xray              XrayConfig              `yaml:"xray"`
	Server            ServerConfig            `yaml:"server"`
	Backup            BackupConfig            `yaml:"backup"`
	Stats             StatsConfig             `yaml:"stats"`
	Reload            ReloadConfig            `yaml:"reload"`
	Lifecycle         LifecycleConfig         `yaml:"lifecycle"`
	ObservabilityHTTP ObservabilityHTTPConfig `yaml:"observability_http"`
}

type XrayConfig struct {
	ConfigPath string `yaml:"config_path"`
	Protocol   string `yaml:"protocol"`   // link strategy, e.g. "vless-reality"
	Container  string `yaml:"container"`  // docker container running xray
	Binary     string `yaml:"binary"`     // xray executable for lifecycle "process"
	APIServer  string `yaml:"api_server"` // address of the api inbound
	Port       int    `yaml:"port"`       // expected inbound port, 0 = don't check
}

type ServerConfig struct {
	PublicIP  string `yaml:"public_ip"`  // detected when empty
	PublicKey string `yaml:"public_key"` // derived from the private key when empty
}

type BackupConfig struct {
	Dir       string `yaml:"dir"`
	Retention int    `yaml:"retention"`
}

type StatsConfig struct {
	// Command is the statsquery invocation; "-pattern <p>" is appended.
	Command []string `yaml:"command"`
	// URL switches to Xray's expvar endpoint instead of Command.
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	Interval      time.Duration `yaml:"interval"`
	DBPath        string        `yaml:"db_path"`
	FlushSchedule string        `yaml:"flush_schedule"`
	History       int           `yaml:"history"`
}

type ReloadConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LifecycleConfig struct {
	Mode string `yaml:"mode"` // none, docker or process
}

type ObservabilityHTTPConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

// Load reads the settings file, applies environment overrides and defaults,
// and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"CONFIG_PATH", &c.Xray.ConfigPath},
		{"SERVER_IP", &c.Server.PublicIP},
		{"XRAY_PUB_KEY", &c.Server.PublicKey},
		{"XRAY_PROTOCOL", &c.Xray.Protocol},
		{"DOCKER_CONTAINER_NAME", &c.Xray.Container},
		{"XCTL_LOG_LEVEL", &c.LogLevel},
	}
	for _, s := range strs {
		if v, ok := lookupEnv(s.env); ok && v != "" {
			*s.dst = v
		}
	}
	if v, ok := lookupEnv("XRAY_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("XRAY_PORT: %w", err)
		}
		c.Xray.Port = port
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheDir == "" {
		if userCache, err := os.UserCacheDir(); err == nil {
			c.CacheDir = filepath.Join(userCache, "xctl")
		}
	}
	if c.Xray.ConfigPath == "" {
		c.Xray.ConfigPath = "config/config.json"
	}
	if c.Xray.Protocol == "" {
		c.Xray.Protocol = xray.VariantVLESSReality
	}
	if c.Xray.Container == "" {
		c.Xray.Container = "xray-core"
	}
	if c.Xray.Binary == "" {
		c.Xray.Binary = "xray"
	}
	if c.Xray.APIServer == "" {
		c.Xray.APIServer = "127.0.0.1:10085"
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(filepath.Dir(c.Xray.ConfigPath), "backups")
	}
	if c.Backup.Retention == 0 {
		c.Backup.Retention = 10
	}
	if c.Lifecycle.Mode == "" {
		c.Lifecycle.Mode = LifecycleDocker
	}
	if c.Stats.Timeout == 0 {
		c.Stats.Timeout = 5 * time.Second
	}
	if c.Stats.Interval == 0 {
		c.Stats.Interval = time.Second
	}
	if c.Stats.History == 0 {
		c.Stats.History = 30
	}
	if c.Stats.FlushSchedule == "" {
		c.Stats.FlushSchedule = "@every 1m"
	}
	if c.Stats.DBPath == "" && c.CacheDir != "" {
		c.Stats.DBPath = filepath.Join(c.CacheDir, "stats.sqlite")
	}
	if len(c.Stats.Command) == 0 && c.Stats.URL == "" {
		query := []string{"api", "statsquery", "--server=" + c.Xray.APIServer}
		if c.Lifecycle.Mode == LifecycleDocker {
			c.Stats.Command = append([]string{"docker", "exec", c.Xray.Container, "xray"}, query...)
		} else {
			c.Stats.Command = append([]string{c.Xray.Binary}, query...)
		}
	}
	if c.Reload.Interval == 0 {
		c.Reload.Interval = 2 * time.Second
	}
}

// Validate checks settings after defaults were applied.
func (c *Config) Validate() error {
	if filepath.Ext(c.Xray.ConfigPath) != ".json" {
		return fmt.Errorf("xray: config_path %q must be a .json file", c.Xray.ConfigPath)
	}
	if c.Xray.Port < 0 || c.Xray.Port > 65535 {
		return fmt.Errorf("xray: port %d out of range", c.Xray.Port)
	}
	if c.Server.PublicIP != "" {
		if _, err := netip.ParseAddr(c.Server.PublicIP); err != nil {
			return fmt.Errorf("server: public_ip: %w", err)
		}
	}
	if c.Server.PublicKey != "" {
		if _, err := xray.DecodeKey(c.Server.PublicKey); err != nil {
			return fmt.Errorf("server: public_key: %w", err)
		}
	}
	if c.Backup.Retention < 1 {
		return fmt.Errorf("backup: retention must be at least 1, got %d", c.Backup.Retention)
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats: interval must be positive")
	}
	if c.Stats.Timeout <= 0 {
		return fmt.Errorf("stats: timeout must be positive")
	}
	if c.Stats.History < 1 {
		return fmt.Errorf("stats: history must be at least 1")
	}
	if c.Reload.Interval <= 0 {
		return fmt.Errorf("reload: interval must be positive")
	}
	switch c.Lifecycle.Mode {
	case LifecycleNone, LifecycleDocker, LifecycleProcess:
	default:
		return fmt.Errorf("lifecycle: unknown mode %q (want none, docker or process)", c.Lifecycle.Mode)
	}
	return nil
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ipProviders answer with the caller's address; "trace" is Cloudflare's
// key=value format.
var ipProviders = []struct {
	url    string
	format string
}{
	{"https://1.1.1.1/cdn-cgi/trace", "trace"},
	{"https://api.ipify.org", "plain"},
	{"https://ifconfig.me/ip", "plain"},
	{"https://checkip.amazonaws.com", "plain"},
}

// ServerPublicIP returns public_ip if configured, otherwise asks the
// providers in turn. It returns "" when none answers.
func (c *Config) ServerPublicIP(ctx context.Context) string {
	if c.Server.PublicIP != "" {
		return c.Server.PublicIP
	}
	client := &http.Client{Timeout: 3 * time.Second}
	for _, p := range ipProviders {
		if ip, err := detectPublicIP(ctx, client, p.url, p.format); err == nil {
			return ip
		}
	}
	return ""
}

func detectPublicIP(ctx context.Context, client *http.Client, url, format string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if format == "trace" {
		ip = ""
		for _, line := range strings.Split(string(body), "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "ip="); ok {
				ip = v
				break
			}
		}
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return "", fmt.Errorf("invalid IP from %s: %q", url, ip)
	}
	return ip, nil
}

// APIPort returns the port of the api inbound address, 0 if it has none.
func (c *XrayConfig) APIPort() int {
	_, port, err := net.SplitHostPort(c.APIServer)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
