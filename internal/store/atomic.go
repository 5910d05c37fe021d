package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tmpPattern = ".xctl-*.tmp"

// staleTempAge is how old a temp file must be before Open treats it as
// abandoned.
const staleTempAge = 10 * time.Minute

// errCrash stops writeAtomic without cleaning up, as if the process died.
var errCrash = errors.New("simulated crash")

// writeAtomic replaces path with data: temp file in the same directory,
// fsync, rename over the target, fsync the directory. A reader sees either
// the old or the new content, never a partial file.
func writeAtomic(path string, data []byte, perm fs.FileMode, beforeRename func() error) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return &IOError{Op: "create temp", Path: dir, Err: err}
	}
	tmp := f.Name()
	crashed := false
	defer func() {
		if err != nil && !crashed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return &IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &IOError{Op: "sync", Path: tmp, Err: err}
	}
	if err := f.Chmod(perm); err != nil {
		return &IOError{Op: "chmod", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "close", Path: tmp, Err: err}
	}

	if beforeRename != nil {
		if err := beforeRename(); err != nil {
			crashed = errors.Is(err, errCrash)
			return err
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable. Some filesystems refuse fsync on
// directories; that is not treated as a failure.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// removeStaleTemps deletes temp files left behind by an interrupted write.
// Files modified after cutoff may belong to a writer in another process and
// are left alone.
func removeStaleTemps(dir string, cutoff time.Time) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, tmpPattern))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range matches {
		if !strings.HasPrefix(filepath.Base(m), ".xctl-") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(m); err == nil {
			removed = append(removed, m)
		}
	}
	return removed, nil
}
