package errors

import (
	"fmt"
	"os/exec"
	"time"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *GroveError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *GroveError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// NotInitialized reports an operation issued against a backend that has not
// been booted. Callers recover by booting once and retrying once.
func NotInitialized(backend string) *GroveError {
	return New(ErrCodeBackendNotReady, fmt.Sprintf("backend '%s' not initialized", backend)).
		WithDetail("backend", backend)
}

// InstallFailed creates a dependency install failure error
func InstallFailed(exitCode int) *GroveError {
	return New(ErrCodeInstallFailed, fmt.Sprintf("dependency install exited with code %d", exitCode)).
		WithDetail("exitCode", exitCode)
}

// BuildFailed creates a build failure error
func BuildFailed(exitCode int) *GroveError {
	return New(ErrCodeBuildFailed, fmt.Sprintf("build exited with code %d", exitCode)).
		WithDetail("exitCode", exitCode)
}

// Timeout creates an operation timeout error
func Timeout(op string, after time.Duration) *GroveError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s did not finish within %s", op, after)).
		WithDetail("operation", op).
		WithDetail("timeout", after.String())
}

// CommandFailed creates a command execution failure error
func CommandFailed(cmd string, err error) *GroveError {
	groveErr := Wrap(err, ErrCodeCommandFailed, fmt.Sprintf("command failed: %s", cmd)).
		WithDetail("command", cmd)

	// Extract exit code if available
	if exitErr, ok := err.(*exec.ExitError); ok {
		groveErr = groveErr.WithDetail("exitCode", exitErr.ExitCode())
	}

	return groveErr
}

// ScreenshotFailed creates a screenshot capture failure error for a request
func ScreenshotFailed(requestID string, err error) *GroveError {
	return Wrap(err, ErrCodeScreenshotFailed, "screenshot capture failed").
		WithDetail("requestId", requestID)
}

// NotFound creates a path lookup miss error
func NotFound(path string) *GroveError {
	return New(ErrCodeNotFound, fmt.Sprintf("no such file: %s", path)).
		WithDetail("path", path)
}

// KitNotFound creates a missing base template error
func KitNotFound(kitID string) *GroveError {
	return New(ErrCodeKitNotFound, fmt.Sprintf("kit '%s' not found", kitID)).
		WithDetail("kit", kitID)
}
