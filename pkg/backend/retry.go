package backend

import (
	"context"
	"time"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultStopTimeout bounds best-effort stop and teardown calls.
const DefaultStopTimeout = 5 * time.Second

// IsNotReady reports whether err is the backend-not-initialized condition.
func IsNotReady(err error) bool {
	return errors.Is(err, errors.ErrCodeBackendNotReady)
}

// WithBootRetry runs op. If it fails because the backend is not
// initialized, the backend is booted for projectID and op is retried
// exactly once; a second failure is returned unchanged.
func WithBootRetry(ctx context.Context, b Backend, projectID string, op func() error) error {
	err := op()
	if err == nil || !IsNotReady(err) {
		return err
	}
	metrics.RecordBootRetry()
	if bootErr := b.Boot(ctx, projectID); bootErr != nil {
		return bootErr
	}
	return op()
}

// StopWithTimeout stops the dev server, giving up after timeout. Stop is
// best effort: failures and timeouts are logged, never returned. It reports
// whether the stop completed in time.
func StopWithTimeout(ctx context.Context, b Backend, timeout time.Duration, logger *logrus.Entry) bool {
	return bestEffort(ctx, "stop dev server", timeout, logger, b.StopDevServer)
}

// CloseWithTimeout tears down the backend under the same discipline as StopWithTimeout.
func CloseWithTimeout(ctx context.Context, b Backend, timeout time.Duration, logger *logrus.Entry) bool {
	return bestEffort(ctx, "close backend", timeout, logger, b.Close)
}

func bestEffort(ctx context.Context, op string, timeout time.Duration, logger *logrus.Entry, fn func(context.Context) error) bool {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.WithError(err).Warnf("Failed to %s, continuing", op)
		}
		return true
	case <-ctx.Done():
		logger.WithError(errors.Timeout(op, timeout)).Warnf("Timed out trying to %s, continuing", op)
		return false
	}
}
