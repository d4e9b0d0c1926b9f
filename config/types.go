package config

import (
	"time"
)

// Backend kinds accepted in backend.kind.
const (
	BackendAuto      = "auto"
	BackendSandbox   = "sandbox"
	BackendCompanion = "companion"
	BackendDesktop   = "desktop"
)

// Config is the preview configuration loaded from preview.yml or preview.toml.
type Config struct {
	Version    string           `yaml:"version" toml:"version" jsonschema:"description=Configuration version (e.g. '1.0')"`
	Backend    BackendConfig    `yaml:"backend,omitempty" toml:"backend,omitempty" jsonschema:"description=Execution backend selection"`
	Reload     ReloadConfig     `yaml:"reload,omitempty" toml:"reload,omitempty" jsonschema:"description=Preview reload behaviour"`
	Batch      BatchConfig      `yaml:"batch,omitempty" toml:"batch,omitempty" jsonschema:"description=Streaming write coalescing"`
	Generation GenerationConfig `yaml:"generation,omitempty" toml:"generation,omitempty" jsonschema:"description=Generation stream handling"`
	Kits       KitsConfig       `yaml:"kits,omitempty" toml:"kits,omitempty" jsonschema:"description=Base template location"`
	Projects   ProjectsConfig   `yaml:"projects,omitempty" toml:"projects,omitempty" jsonschema:"description=Persisted project location"`
	Provider   ProviderConfig   `yaml:"provider,omitempty" toml:"provider,omitempty" jsonschema:"description=AI provider feed"`
	Screenshot ScreenshotConfig `yaml:"screenshot,omitempty" toml:"screenshot,omitempty" jsonschema:"description=Preview screenshot capture"`
	Companion  CompanionConfig  `yaml:"companion,omitempty" toml:"companion,omitempty" jsonschema:"description=Companion process server"`
	Logging    LoggingConfig    `yaml:"logging,omitempty" toml:"logging,omitempty" jsonschema:"description=Log output"`
}

// BackendConfig selects and tunes the execution backend.
type BackendConfig struct {
	Kind          string `yaml:"kind,omitempty" toml:"kind,omitempty" jsonschema:"enum=auto,enum=sandbox,enum=companion,enum=desktop,description=Backend implementation; auto detects from the environment"`
	StopTimeoutMs int    `yaml:"stop_timeout_ms,omitempty" toml:"stop_timeout_ms,omitempty" jsonschema:"description=Hard deadline for stop and teardown calls"`
	BootTimeoutMs int    `yaml:"boot_timeout_ms,omitempty" toml:"boot_timeout_ms,omitempty" jsonschema:"description=Deadline for booting the backend"`
	// Options holds kind specific settings, decoded with DecodeOptions.
	Options map[string]interface{} `yaml:"options,omitempty" toml:"options,omitempty" jsonschema:"description=Kind specific options"`
}

// SandboxOptions are the options for the in-process sandbox backend.
type SandboxOptions struct {
	Root           string   `mapstructure:"root"`
	PackageManager string   `mapstructure:"package_manager"`
	DevScript      string   `mapstructure:"dev_script"`
	Keep           []string `mapstructure:"keep"`
}

// CompanionOptions are the options for the HTTP companion backend.
type CompanionOptions struct {
	URL            string `mapstructure:"url"`
	PackageManager string `mapstructure:"package_manager"`
	DevScript      string `mapstructure:"dev_script"`
}

// DesktopOptions are the options for the desktop-embedded companion backend.
type DesktopOptions struct {
	Socket         string   `mapstructure:"socket"`
	Binary         string   `mapstructure:"binary"`
	Args           []string `mapstructure:"args"`
	PackageManager string   `mapstructure:"package_manager"`
	DevScript      string   `mapstructure:"dev_script"`
}

// ReloadConfig tunes the reload orchestrator.
type ReloadConfig struct {
	DefaultKit      string `yaml:"default_kit,omitempty" toml:"default_kit,omitempty" jsonschema:"description=Kit used when a project names none"`
	DisableFastPath bool   `yaml:"disable_fast_path,omitempty" toml:"disable_fast_path,omitempty" jsonschema:"description=Always take the full stop/clean/install/start path"`
}

// BatchConfig tunes the update batching layer.
type BatchConfig struct {
	WindowMs int `yaml:"window_ms,omitempty" toml:"window_ms,omitempty" jsonschema:"description=Coalescing window for streamed file writes"`
}

// GenerationConfig tunes the generation stream consumer.
type GenerationConfig struct {
	ExplanationTag    string `yaml:"explanation_tag,omitempty" toml:"explanation_tag,omitempty" jsonschema:"description=Tag whose content is shown to the user"`
	QuestionTimeoutMs int    `yaml:"question_timeout_ms,omitempty" toml:"question_timeout_ms,omitempty" jsonschema:"description=Local timeout for unanswered questions; 0 waits forever"`
}

// KitsConfig locates base templates.
type KitsConfig struct {
	Dir string `yaml:"dir,omitempty" toml:"dir,omitempty" jsonschema:"description=Directory holding one sub-directory per kit"`
}

// ProjectsConfig locates persisted project records.
type ProjectsConfig struct {
	Dir string `yaml:"dir,omitempty" toml:"dir,omitempty" jsonschema:"description=Directory holding <id>.json project records"`
}

// ProviderConfig points at the AI provider feed.
type ProviderConfig struct {
	URL             string `yaml:"url,omitempty" toml:"url,omitempty" jsonschema:"description=Websocket URL of the provider feed"`
	Provider        string `yaml:"provider,omitempty" toml:"provider,omitempty" jsonschema:"description=Provider name forwarded with each request"`
	Model           string `yaml:"model,omitempty" toml:"model,omitempty" jsonschema:"description=Model forwarded with each request"`
	APIKeyEnv       string `yaml:"api_key_env,omitempty" toml:"api_key_env,omitempty" jsonschema:"description=Environment variable holding the API key"`
	ReasoningEffort string `yaml:"reasoning_effort,omitempty" toml:"reasoning_effort,omitempty" jsonschema:"description=Reasoning effort hint"`
}

// ScreenshotConfig tunes preview capture.
type ScreenshotConfig struct {
	BrowserBin     string `yaml:"browser_bin,omitempty" toml:"browser_bin,omitempty" jsonschema:"description=Chromium binary; empty uses the launcher default"`
	Headless       *bool  `yaml:"headless,omitempty" toml:"headless,omitempty" jsonschema:"description=Run the capture browser headless (default true)"`
	ViewportWidth  int    `yaml:"viewport_width,omitempty" toml:"viewport_width,omitempty"`
	ViewportHeight int    `yaml:"viewport_height,omitempty" toml:"viewport_height,omitempty"`
}

// CompanionConfig configures the companion server process.
type CompanionConfig struct {
	Listen  string `yaml:"listen,omitempty" toml:"listen,omitempty" jsonschema:"description=TCP address; empty listens on the unix socket"`
	Socket  string `yaml:"socket,omitempty" toml:"socket,omitempty" jsonschema:"description=Unix socket path"`
	WorkDir string `yaml:"work_dir,omitempty" toml:"work_dir,omitempty" jsonschema:"description=Directory projects are materialised into"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	// Level is the minimum log level to output (e.g., "debug", "info", "warn", "error").
	// Can be overridden by the GROVE_PREVIEW_LOG_LEVEL environment variable.
	Level string `yaml:"level,omitempty" toml:"level,omitempty"`

	// ReportCaller, if true, includes the file, line, and function name in the log output.
	ReportCaller bool `yaml:"report_caller,omitempty" toml:"report_caller,omitempty"`

	// File is a log file path; empty disables the file sink.
	File string `yaml:"file,omitempty" toml:"file,omitempty"`

	// Preset can be "default" (rich text), "simple" (minimal text), or "json".
	Preset string `yaml:"preset,omitempty" toml:"preset,omitempty" jsonschema:"enum=default,enum=simple,enum=json"`

	// StructuredToStderr controls when structured logs are sent to stderr.
	// Can be "auto" (default), "always", or "never".
	StructuredToStderr string `yaml:"structured_to_stderr,omitempty" toml:"structured_to_stderr,omitempty"`
}

// StopTimeout is the deadline for best-effort stop and teardown calls.
func (b BackendConfig) StopTimeout() time.Duration {
	return time.Duration(b.StopTimeoutMs) * time.Millisecond
}

// BootTimeout is the deadline for booting a backend.
func (b BackendConfig) BootTimeout() time.Duration {
	return time.Duration(b.BootTimeoutMs) * time.Millisecond
}

// Window is the batching window.
func (b BatchConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// QuestionTimeout is the local question timeout; zero disables it.
func (g GenerationConfig) QuestionTimeout() time.Duration {
	return time.Duration(g.QuestionTimeoutMs) * time.Millisecond
}

// IsHeadless returns the headless setting, defaulting to true.
func (s ScreenshotConfig) IsHeadless() bool {
	return s.Headless == nil || *s.Headless
}
