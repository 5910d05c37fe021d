// Package store persists the Xray config crash-safely: validated atomic
// writes, sequence-numbered backups with retention, and restore.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bigbes/xctl/internal/metrics"
	"github.com/bigbes/xctl/internal/xray"
)

const defaultPerm fs.FileMode = 0o644

var (
	locksMu sync.Mutex
	locks   = make(map[string]*sync.Mutex)
)

// pathLock returns the process-wide mutex for a config path, so separate
// Store values on the same file still serialize.
func pathLock(path string) *sync.Mutex {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	locksMu.Lock()
	defer locksMu.Unlock()
	mu, ok := locks[path]
	if !ok {
		mu = &sync.Mutex{}
		locks[path] = mu
	}
	return mu
}

// Store owns the live config file and its backups.
type Store struct {
	path      string
	backupDir string
	base      string
	ext       string
	retention int
	logger    *slog.Logger
	mu        *sync.Mutex
	now       func() time.Time

	// beforeRename runs between the temp write and the rename of the live file.
	beforeRename func() error
}

// Open prepares a store for path. Backups go to backupDir (default
// <dir>/backups) and at most retention of them are kept. Temp files left by
// an interrupted write are removed once they are older than staleTempAge;
// the sweep is skipped while another Store in this process is writing.
func Open(path, backupDir string, retention int, logger *slog.Logger) *Store {
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(path), "backups")
	}
	if retention < 1 {
		retention = 1
	}
	ext := filepath.Ext(path)
	s := &Store{
		path:      path,
		backupDir: backupDir,
		base:      strings.TrimSuffix(filepath.Base(path), ext),
		ext:       ext,
		retention: retention,
		logger:    logger,
		mu:        pathLock(path),
		now:       time.Now,
	}

	if s.mu.TryLock() {
		s.sweepTemps()
		s.mu.Unlock()
	}
	return s
}

// sweepTemps removes abandoned temp files. Caller holds the lock.
func (s *Store) sweepTemps() {
	cutoff := time.Now().Add(-staleTempAge)
	for _, dir := range []string{filepath.Dir(s.path), s.backupDir} {
		removed, err := removeStaleTemps(dir, cutoff)
		if err != nil {
			s.logger.Warn("failed to scan for stale temp files", "dir", dir, "err", err)
			continue
		}
		for _, r := range removed {
			s.logger.Warn("removed temp file left by an interrupted write", "path", r)
		}
	}
}

// Path returns the live config path.
func (s *Store) Path() string { return s.path }

// BackupDir returns the directory holding backups.
func (s *Store) BackupDir() string { return s.backupDir }

// Load reads, parses and validates the live config.
func (s *Store) Load() (*xray.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("store: config %s: %w", s.path, ErrNotFound)
		}
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	return decode(s.path, data)
}

func decode(path string, data []byte) (*xray.Config, error) {
	cfg, err := xray.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w: %w", path, ErrCorrupt, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: %s: %w: %w", path, ErrCorrupt, err)
	}
	return cfg, nil
}

// Save validates cfg and atomically replaces the live config with it. The
// previous content, if any, becomes a new backup first; the returned backup
// is nil when there was nothing to back up. An invalid cfg leaves the disk
// untouched and returns a *xray.ValidationError.
func (s *Store) Save(cfg *xray.Config) (*Backup, error) {
	data, err := s.encode(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(data)
}

// Update loads the live config, applies fn and saves the result, all under
// the store lock. Nothing is written if fn returns an error.
func (s *Store) Update(fn func(cfg *xray.Config) error) (*Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	data, err := s.encode(cfg)
	if err != nil {
		return nil, err
	}
	return s.commit(data)
}

// Restore promotes backup seq back to the live config. What it replaces is
// itself backed up first.
func (s *Store) Restore(seq int) (*xray.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.Backup(seq)
	if err != nil {
		metrics.StoreRestoresTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		metrics.StoreRestoresTotal.WithLabelValues("error").Inc()
		return nil, &IOError{Op: "read", Path: b.Path, Err: err}
	}
	cfg, err := decode(b.Path, data)
	if err != nil {
		metrics.StoreRestoresTotal.WithLabelValues("corrupt").Inc()
		return nil, err
	}
	if _, err := s.commit(data); err != nil {
		metrics.StoreRestoresTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.StoreRestoresTotal.WithLabelValues("ok").Inc()
	s.logger.Info("config restored from backup", "seq", seq, "backup_time", b.Time.Format(time.RFC3339))
	return cfg, nil
}

func (s *Store) encode(cfg *xray.Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		metrics.StoreSavesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	data, err := cfg.Encode()
	if err != nil {
		metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store: encoding config: %w", err)
	}
	return data, nil
}

// commit backs up the current file and writes data in its place. Caller
// holds the lock.
func (s *Store) commit(data []byte) (*Backup, error) {
	perm := defaultPerm
	var backup *Backup

	current, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if info, err := os.Stat(s.path); err == nil {
			perm = info.Mode().Perm()
		}
		backup, err = s.writeBackup(current)
		if err != nil {
			metrics.StoreSavesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			metrics.StoreSavesTotal.WithLabelValues("error").Inc()
			return nil, &IOError{Op: "mkdir", Path: filepath.Dir(s.path), Err: err}
		}
	default:
		metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}

	if err := writeAtomic(s.path, data, perm, s.beforeRename); err != nil {
		metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		// The live file was not replaced, so its backup is not one.
		if backup != nil && !errors.Is(err, errCrash) {
			if rmErr := os.Remove(backup.Path); rmErr != nil {
				s.logger.Warn("failed to remove backup of an aborted save", "path", backup.Path, "err", rmErr)
			}
		}
		return nil, err
	}
	metrics.StoreSavesTotal.WithLabelValues("ok").Inc()

	kept, err := s.prune()
	if err != nil {
		s.logger.Warn("failed to prune config backups", "err", err)
	}
	metrics.StoreBackups.Set(float64(kept))

	if backup != nil {
		s.logger.Info("config saved", "path", s.path, "backup_seq", backup.Seq)
	} else {
		s.logger.Info("config saved", "path", s.path)
	}
	return backup, nil
}
