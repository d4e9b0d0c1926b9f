package config

// mergeConfigs merges override configuration into base. Non-zero override
// fields win; backend options are merged key by key.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.Version != "" {
		result.Version = override.Version
	}

	result.Backend = mergeBackend(result.Backend, override.Backend)

	if override.Reload.DefaultKit != "" {
		result.Reload.DefaultKit = override.Reload.DefaultKit
	}
	if override.Reload.DisableFastPath {
		result.Reload.DisableFastPath = true
	}
	if override.Batch.WindowMs != 0 {
		result.Batch.WindowMs = override.Batch.WindowMs
	}
	if override.Generation.ExplanationTag != "" {
		result.Generation.ExplanationTag = override.Generation.ExplanationTag
	}
	if override.Generation.QuestionTimeoutMs != 0 {
		result.Generation.QuestionTimeoutMs = override.Generation.QuestionTimeoutMs
	}
	if override.Kits.Dir != "" {
		result.Kits.Dir = override.Kits.Dir
	}
	if override.Projects.Dir != "" {
		result.Projects.Dir = override.Projects.Dir
	}

	result.Provider = mergeProvider(result.Provider, override.Provider)
	result.Screenshot = mergeScreenshot(result.Screenshot, override.Screenshot)

	if override.Companion.Listen != "" {
		result.Companion.Listen = override.Companion.Listen
	}
	if override.Companion.Socket != "" {
		result.Companion.Socket = override.Companion.Socket
	}
	if override.Companion.WorkDir != "" {
		result.Companion.WorkDir = override.Companion.WorkDir
	}

	result.Logging = mergeLogging(result.Logging, override.Logging)

	return &result
}

func mergeBackend(base, override BackendConfig) BackendConfig {
	result := base

	if override.Kind != "" {
		result.Kind = override.Kind
	}
	if override.StopTimeoutMs != 0 {
		result.StopTimeoutMs = override.StopTimeoutMs
	}
	if override.BootTimeoutMs != 0 {
		result.BootTimeoutMs = override.BootTimeoutMs
	}
	if override.Options != nil {
		merged := make(map[string]interface{}, len(base.Options)+len(override.Options))
		for k, v := range base.Options {
			merged[k] = v
		}
		for k, v := range override.Options {
			merged[k] = v
		}
		result.Options = merged
	}

	return result
}

func mergeProvider(base, override ProviderConfig) ProviderConfig {
	result := base

	if override.URL != "" {
		result.URL = override.URL
	}
	if override.Provider != "" {
		result.Provider = override.Provider
	}
	if override.Model != "" {
		result.Model = override.Model
	}
	if override.APIKeyEnv != "" {
		result.APIKeyEnv = override.APIKeyEnv
	}
	if override.ReasoningEffort != "" {
		result.ReasoningEffort = override.ReasoningEffort
	}

	return result
}

func mergeScreenshot(base, override ScreenshotConfig) ScreenshotConfig {
	result := base

	if override.BrowserBin != "" {
		result.BrowserBin = override.BrowserBin
	}
	if override.Headless != nil {
		result.Headless = override.Headless
	}
	if override.ViewportWidth != 0 {
		result.ViewportWidth = override.ViewportWidth
	}
	if override.ViewportHeight != 0 {
		result.ViewportHeight = override.ViewportHeight
	}

	return result
}

func mergeLogging(base, override LoggingConfig) LoggingConfig {
	result := base

	if override.Level != "" {
		result.Level = override.Level
	}
	if override.ReportCaller {
		result.ReportCaller = true
	}
	if override.File != "" {
		result.File = override.File
	}
	if override.Preset != "" {
		result.Preset = override.Preset
	}
	if override.StructuredToStderr != "" {
		result.StructuredToStderr = override.StructuredToStderr
	}

	return result
}
