package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestGroveError(t *testing.T) {
	// Test basic error creation
	err := New(ErrCodeBackendNotReady, "backend not ready")
	if err.Code != ErrCodeBackendNotReady {
		t.Errorf("expected code %s, got %s", ErrCodeBackendNotReady, err.Code)
	}

	// Test error wrapping
	cause := fmt.Errorf("underlying error")
	wrapped := Wrap(cause, ErrCodeCommandFailed, "command failed")

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}

	// Test Is function
	if !Is(wrapped, ErrCodeCommandFailed) {
		t.Error("Is should return true for matching code")
	}

	if Is(wrapped, ErrCodeBackendNotReady) {
		t.Error("Is should return false for non-matching code")
	}

	// Test WithDetail
	detailed := err.WithDetail("backend", "sandbox").WithDetail("attempt", 2)
	if detailed.Details["backend"] != "sandbox" {
		t.Error("WithDetail should add details")
	}
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("mount: %w", NotInitialized("companion"))
	if !Is(err, ErrCodeBackendNotReady) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
	if GetCode(err) != ErrCodeBackendNotReady {
		t.Errorf("GetCode = %s", GetCode(err))
	}

	var groveErr *GroveError
	if !stderrors.As(err, &groveErr) {
		t.Fatal("errors.As should find the GroveError")
	}
	if groveErr.Details["backend"] != "companion" {
		t.Error("NotInitialized should include backend detail")
	}
}

func TestErrorConstructors(t *testing.T) {
	err := InstallFailed(1)
	if err.Code != ErrCodeInstallFailed {
		t.Errorf("expected code %s, got %s", ErrCodeInstallFailed, err.Code)
	}
	if err.Details["exitCode"] != 1 {
		t.Error("InstallFailed should include exit code detail")
	}

	err = Timeout("stop dev server", 5*time.Second)
	if err.Code != ErrCodeTimeout {
		t.Errorf("expected code %s, got %s", ErrCodeTimeout, err.Code)
	}
	if err.Details["timeout"] != "5s" {
		t.Errorf("Timeout detail = %v", err.Details["timeout"])
	}

	err = ScreenshotFailed("req-1", fmt.Errorf("no page"))
	if !Is(err, ErrCodeScreenshotFailed) || err.Details["requestId"] != "req-1" {
		t.Error("ScreenshotFailed should carry the request id")
	}

	if GetCode(nil) != "" {
		t.Error("GetCode(nil) should be empty")
	}
}
