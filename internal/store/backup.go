package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Backup is an immutable copy of a previously live config, named
// <base>.<seq>.<unix-nanos><ext> so the listing alone recovers its order.
type Backup struct {
	Seq  int
	Time time.Time
	Path string
}

func (s *Store) backupName(seq int, t time.Time) string {
	return fmt.Sprintf("%s.%06d.%d%s", s.base, seq, t.UnixNano(), s.ext)
}

func (s *Store) parseBackupName(name string) (Backup, bool) {
	if !strings.HasPrefix(name, s.base+".") || !strings.HasSuffix(name, s.ext) {
		return Backup{}, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, s.base+"."), s.ext)
	seqStr, tsStr, ok := strings.Cut(mid, ".")
	if !ok {
		return Backup{}, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq <= 0 {
		return Backup{}, false
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Backup{}, false
	}
	return Backup{
		Seq:  seq,
		Time: time.Unix(0, ts),
		Path: filepath.Join(s.backupDir, name),
	}, true
}

// Backups lists retained backups, oldest first.
func (s *Store) Backups() ([]Backup, error) {
	entries, err := os.ReadDir(s.backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "list", Path: s.backupDir, Err: err}
	}
	var out []Backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if b, ok := s.parseBackupName(e.Name()); ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Backup returns the backup with the given sequence number.
func (s *Store) Backup(seq int) (Backup, error) {
	backups, err := s.Backups()
	if err != nil {
		return Backup{}, err
	}
	for _, b := range backups {
		if b.Seq == seq {
			return b, nil
		}
	}
	return Backup{}, fmt.Errorf("store: backup %d: %w", seq, ErrNotFound)
}

// writeBackup stores data as the next backup. Caller holds the lock.
func (s *Store) writeBackup(data []byte) (*Backup, error) {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: s.backupDir, Err: err}
	}
	backups, err := s.Backups()
	if err != nil {
		return nil, err
	}
	seq := 1
	if n := len(backups); n > 0 {
		seq = backups[n-1].Seq + 1
	}
	now := s.now()
	b := &Backup{Seq: seq, Time: time.Unix(0, now.UnixNano())}
	b.Path = filepath.Join(s.backupDir, s.backupName(seq, now))
	if err := writeAtomic(b.Path, data, 0o600, nil); err != nil {
		return nil, err
	}
	return b, nil
}

// prune removes the oldest backups beyond the retention count.
func (s *Store) prune() (int, error) {
	backups, err := s.Backups()
	if err != nil {
		return 0, err
	}
	excess := len(backups) - s.retention
	if excess <= 0 {
		return len(backups), nil
	}
	for _, b := range backups[:excess] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return len(backups), &IOError{Op: "remove", Path: b.Path, Err: err}
		}
		s.logger.Debug("pruned config backup", "seq", b.Seq, "path", b.Path)
	}
	return s.retention, nil
}
