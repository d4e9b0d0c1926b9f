package config

import (
	"fmt"
	"net/url"

	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/paths"
	"github.com/mitchellh/mapstructure"
)

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendAuto
	}
	if c.Backend.StopTimeoutMs == 0 {
		c.Backend.StopTimeoutMs = 5000
	}
	if c.Backend.BootTimeoutMs == 0 {
		c.Backend.BootTimeoutMs = 60000
	}
	if c.Reload.DefaultKit == "" {
		c.Reload.DefaultKit = "default"
	}
	if c.Batch.WindowMs == 0 {
		c.Batch.WindowMs = 200
	}
	if c.Generation.ExplanationTag == "" {
		c.Generation.ExplanationTag = "explanation"
	}
	if c.Kits.Dir == "" {
		c.Kits.Dir = paths.KitsDir()
	}
	if c.Projects.Dir == "" {
		c.Projects.Dir = paths.ProjectsDir()
	}
	if c.Provider.APIKeyEnv == "" {
		c.Provider.APIKeyEnv = "GROVE_PREVIEW_API_KEY"
	}
	if c.Screenshot.ViewportWidth == 0 {
		c.Screenshot.ViewportWidth = 1280
	}
	if c.Screenshot.ViewportHeight == 0 {
		c.Screenshot.ViewportHeight = 800
	}
	if c.Companion.Socket == "" {
		c.Companion.Socket = paths.SocketPath()
	}
	if c.Companion.WorkDir == "" {
		c.Companion.WorkDir = paths.WorkspacesDir()
	}
	if c.Logging.StructuredToStderr == "" {
		c.Logging.StructuredToStderr = "auto"
	}
}

// Validate checks the configuration for semantic errors.
func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New(errors.ErrCodeConfigValidation, "version is required")
	}

	switch c.Backend.Kind {
	case BackendAuto, BackendSandbox, BackendCompanion, BackendDesktop:
	default:
		return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("unknown backend kind: %s", c.Backend.Kind)).
			WithDetail("kind", c.Backend.Kind)
	}

	if c.Backend.StopTimeoutMs < 0 || c.Backend.BootTimeoutMs < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "backend timeouts cannot be negative")
	}

	if c.Batch.WindowMs < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "batch window cannot be negative").
			WithDetail("window_ms", c.Batch.WindowMs)
	}

	if c.Generation.QuestionTimeoutMs < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "question timeout cannot be negative")
	}

	if c.Backend.Kind == BackendCompanion {
		var opts CompanionOptions
		if err := DecodeOptions(c.Backend.Options, &opts); err != nil {
			return err
		}
		if opts.URL != "" {
			if _, err := url.ParseRequestURI(opts.URL); err != nil {
				return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid companion url").
					WithDetail("url", opts.URL)
			}
		}
	}

	if c.Provider.URL != "" {
		u, err := url.Parse(c.Provider.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return errors.New(errors.ErrCodeConfigValidation, "provider url must be a ws:// or wss:// URL").
				WithDetail("url", c.Provider.URL)
		}
	}

	switch c.Logging.StructuredToStderr {
	case "", "auto", "always", "never":
	default:
		return errors.New(errors.ErrCodeConfigValidation, "logging.structured_to_stderr must be auto, always or never")
	}

	return nil
}

// DecodeOptions decodes a kind specific options map into out.
// String values are converted where the target type needs it.
func DecodeOptions(options map[string]interface{}, out interface{}) error {
	if len(options) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build options decoder")
	}
	if err := decoder.Decode(options); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid backend options")
	}
	return nil
}
