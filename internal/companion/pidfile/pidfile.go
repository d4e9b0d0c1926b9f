// Package pidfile guards a companion process with a PID file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Acquire writes the current PID to the file.
// It returns an error if another instance is already running.
func Acquire(path string) error {
	return Write(path, os.Getpid())
}

// Write records pid in the file unless a live process already owns it.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}

	if running, owner, err := IsRunning(path); err == nil && running && owner != pid {
		return fmt.Errorf("companion already running with PID %d", owner)
	}
	// A dead owner leaves a stale file behind; overwrite it.
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file. A missing file is not an error.
func Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read returns the PID from the file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// IsRunning checks if the process described by the pidfile is alive.
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return alive(pid), pid, nil
}

// Signal sends sig to the process recorded in the file. It reports false
// when no live process owns the file.
func Signal(path string, sig os.Signal) (bool, int, error) {
	running, pid, err := IsRunning(path)
	if err != nil || !running {
		return false, pid, err
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false, pid, err
	}
	if err := p.Signal(sig); err != nil {
		return false, pid, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return true, pid, nil
}

// alive probes pid with signal 0. EPERM still means the process exists.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}
