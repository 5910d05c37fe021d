// Package reload detects changes of the live Xray config, whether written by
// xctl or by someone else, and publishes the new record to subscribers.
package reload

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bigbes/xctl/internal/metrics"
	"github.com/bigbes/xctl/internal/xray"
)

const defaultDebounce = 100 * time.Millisecond

// State is the monitor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateChangeDetected
	StateReloading
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateChangeDetected:
		return "change_detected"
	case StateReloading:
		return "reloading"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader re-reads and validates the config. *store.Store satisfies it.
type Loader interface {
	Load() (*xray.Config, error)
}

// Fingerprint identifies a version of the config file. Size and ModTime are
// the cheap pre-check; Sum decides whether the content changed.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	Sum     [sha256.Size]byte
}

// Event announces a newly adopted config.
type Event struct {
	Config      *xray.Config
	Fingerprint Fingerprint
	Time        time.Time
}

// Monitor watches one config file.
type Monitor struct {
	loader   Loader
	path     string
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	current *xray.Config
	fp      Fingerprint
	lastBad Fingerprint
	subs    map[int]chan Event
	nextSub int
}

// New creates a monitor that compares the file fingerprint every interval.
func New(loader Loader, path string, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		loader:   loader,
		path:     filepath.Clean(path),
		interval: interval,
		debounce: defaultDebounce,
		logger:   logger.With("component", "reload"),
		subs:     make(map[int]chan Event),
	}
}

// Subscribe returns a channel receiving every adopted config. A subscriber
// that falls behind only sees the newest event. The channel is closed when
// the monitor stops or the returned cancel func is called.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 1)
	if m.state == StateStopped {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Current returns the last known-good config, nil before the first load.
func (m *Monitor) Current() *xray.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run loads the initial config and watches until ctx is cancelled. A
// failing initial load is returned; later failures are logged and the last
// known-good config stays current.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.stop()

	fp, err := fingerprint(m.path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	cfg, err := m.loader.Load()
	if err != nil {
		return fmt.Errorf("reload: initial load: %w", err)
	}
	m.mu.Lock()
	m.current = cfg
	m.fp = fp
	m.state = StateWatching
	m.mu.Unlock()

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("fsnotify unavailable, falling back to polling", "err", err)
	} else {
		defer watcher.Close()
		// The directory, not the file: an atomic replace swaps the inode.
		if err := watcher.Add(filepath.Dir(m.path)); err != nil {
			m.logger.Warn("failed to watch config directory, falling back to polling", "err", err)
		} else {
			fsEvents = watcher.Events
			fsErrors = watcher.Errors
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	debounce := time.NewTimer(m.debounce)
	debounce.Stop()
	defer debounce.Stop()

	m.logger.Info("watching config", "path", m.path, "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("config watcher stopping")
			return nil
		case <-ticker.C:
			m.check()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != m.path || ev.Op == fsnotify.Chmod {
				continue
			}
			debounce.Reset(m.debounce)
		case <-debounce.C:
			m.check()
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			m.logger.Warn("fsnotify error", "err", err)
		}
	}
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateStopped
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// check compares the fingerprint with the adopted one and reloads on a
// mismatch. It reports whether a new config was published.
func (m *Monitor) check() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		m.logger.Warn("failed to read config, keeping last known-good", "path", m.path, "err", err)
		return false
	}
	m.mu.Lock()
	unchanged := sameStat(info, m.fp) || sameStat(info, m.lastBad)
	m.mu.Unlock()
	if unchanged {
		return false
	}

	fp, err := fingerprint(m.path)
	if err != nil {
		m.logger.Warn("failed to read config, keeping last known-good", "path", m.path, "err", err)
		return false
	}

	// Only new content counts; a touch or an identical rewrite is adopted
	// silently.
	m.mu.Lock()
	switch fp.Sum {
	case m.fp.Sum:
		m.fp = fp
		m.mu.Unlock()
		m.logger.Debug("config rewritten with identical content", "path", m.path)
		return false
	case m.lastBad.Sum:
		m.lastBad = fp
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.setState(StateChangeDetected)
	m.logger.Info("config change detected", "path", m.path, "size", fp.Size, "mtime", fp.ModTime)

	m.setState(StateReloading)
	cfg, err := m.loader.Load()
	if err != nil {
		m.mu.Lock()
		m.lastBad = fp
		m.state = StateWatching
		m.mu.Unlock()
		metrics.ReloadsTotal.WithLabelValues("invalid").Inc()
		m.logger.Error("changed config is invalid, keeping last known-good", "path", m.path, "err", err)
		return false
	}

	ev := Event{Config: cfg, Fingerprint: fp, Time: time.Now()}
	m.mu.Lock()
	m.current = cfg
	m.fp = fp
	m.lastBad = Fingerprint{}
	m.state = StateWatching
	for _, ch := range m.subs {
		publish(ch, ev)
	}
	m.mu.Unlock()

	metrics.ReloadsTotal.WithLabelValues("applied").Inc()
	m.logger.Info("config reloaded", "users", len(cfg.Users()))
	return true
}

// publish delivers ev without blocking, replacing an undelivered older event.
func publish(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func sameStat(info os.FileInfo, fp Fingerprint) bool {
	return info.Size() == fp.Size && info.ModTime().Equal(fp.ModTime)
}

func fingerprint(path string) (Fingerprint, error) {
	// Read the content first: after an atomic replace the stat must not
	// describe an older inode than the bytes we hash.
	data, err := os.ReadFile(path)
	if err != nil {
		return Fingerprint{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
		Sum:     sha256.Sum256(data),
	}, nil
}
