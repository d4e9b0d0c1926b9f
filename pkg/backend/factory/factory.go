// Package factory builds the configured execution backend.
package factory

import (
	"github.com/grovetools/preview/config"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/backend"
	"github.com/grovetools/preview/pkg/backend/companion"
	"github.com/grovetools/preview/pkg/backend/desktop"
	"github.com/grovetools/preview/pkg/backend/sandbox"
)

// New returns the backend named by cfg.Kind, resolving "auto" with
// backend.Detect. Callers do not need to know which one they got: the
// same contract holds for every kind.
func New(cfg config.BackendConfig) (backend.Backend, error) {
	kind := backend.Detect(cfg)
	logging.NewLogger("backend").WithField("kind", kind).Debug("Selected execution backend")

	switch kind {
	case backend.KindSandbox:
		var opts config.SandboxOptions
		if err := config.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return sandbox.New(opts), nil

	case backend.KindCompanion:
		var opts config.CompanionOptions
		if err := config.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return companion.New(opts), nil

	case backend.KindDesktop:
		var opts config.DesktopOptions
		if err := config.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return desktop.New(opts, cfg.BootTimeout()), nil
	}

	return nil, errors.ConfigInvalid("unknown backend kind: " + kind)
}
