// Package daemon handles process-level concerns: the PID file guarding
// against a second bridge instance racing the single cloud session the
// vendor permits per account.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning reports a PID file owned by a live process.
var ErrAlreadyRunning = errors.New("daemon: another instance is already running")

// WritePIDFile creates path containing the current PID. If the file exists
// and its PID belongs to a live process the call fails; a stale file left
// by a crashed instance is silently replaced.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return fmt.Errorf("%w (pid %d, file %s)", ErrAlreadyRunning, pid, path)
			}
		}
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePIDFile deletes path, ignoring a file that is already gone.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to another user.
	return err == nil || errors.Is(err, syscall.EPERM)
}
