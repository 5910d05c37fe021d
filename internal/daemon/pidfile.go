package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile is where "xctl run" records its pid, next to the Xray config it
// manages.
func PIDFile(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), ".xctl-run.pid")
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// removePID deletes the pid file if it still names this process.
func removePID(path string) {
	if pid, err := readPID(path); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.New("daemon: malformed pid file")
	}
	return pid, nil
}

// Active returns the pid of a live controller managing configPath. A pid
// file left behind by a dead controller is ignored.
func Active(configPath string) (int, bool) {
	pid, err := readPID(PIDFile(configPath))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	err = proc.Signal(syscall.Signal(0))
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return 0, false
	}
	return pid, true
}
