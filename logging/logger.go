package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grovetools/preview/config"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	// active is the logging configuration applied to every logger. It is
	// loaded lazily from preview.yml and replaced by Configure.
	active       *config.LoggingConfig
	openLogFiles = make(map[string]*os.File)
)

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	if active == nil {
		cfg := loadLoggingConfig()
		active = &cfg
	}

	logger := logrus.New()
	apply(logger, *active)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Configure replaces the logging configuration and reapplies it to every
// logger created so far. It is safe to call on config reload.
func Configure(cfg config.LoggingConfig) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	active = &cfg
	for _, entry := range loggers {
		apply(entry.Logger, cfg)
	}
}

// SetLevel changes the level of every logger.
func SetLevel(level logrus.Level) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if active != nil {
		active.Level = level.String()
	}
	for _, entry := range loggers {
		entry.Logger.SetLevel(level)
	}
}

// Reset drops every cached logger and the active configuration.
func Reset() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	loggers = make(map[string]*logrus.Entry)
	active = nil
	for path, f := range openLogFiles {
		f.Close()
		delete(openLogFiles, path)
	}
}

func loadLoggingConfig() config.LoggingConfig {
	cfg, err := config.LoadDefault()
	if err != nil {
		return config.LoggingConfig{}
	}
	return cfg.Logging
}

// apply configures level, caller reporting, formatter and sinks on logger.
// The caller must hold loggersMu.
func apply(logger *logrus.Logger, cfg config.LoggingConfig) {
	levelStr := "info"
	if env := os.Getenv("GROVE_PREVIEW_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetReportCaller(os.Getenv("GROVE_PREVIEW_LOG_CALLER") == "true" || cfg.ReportCaller)

	switch cfg.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(NewTextFormatter(FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}))
	default:
		logger.SetFormatter(NewTextFormatter(FormatConfig{}))
	}

	var writers []io.Writer

	if cfg.File != "" {
		if f := openLogFile(expandPath(cfg.File)); f != nil {
			writers = append(writers, f)
		} else {
			logger.Warnf("Failed to open log file %s", cfg.File)
		}
	}

	if shouldLogToStderr(cfg.StructuredToStderr, level) {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		// Interactive terminals without debug get no structured output.
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}
}

func shouldLogToStderr(mode string, level logrus.Level) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	// auto: log to stderr when debugging or when stderr is not a terminal
	isDebug := os.Getenv("GROVE_PREVIEW_DEBUG") == "1" || level >= logrus.DebugLevel
	isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return isDebug || !isInteractive
}

// openLogFile opens (or reuses) an append-only log file. The caller must hold loggersMu.
func openLogFile(path string) *os.File {
	if f, ok := openLogFiles[path]; ok {
		return f
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	openLogFiles[path] = f
	return f
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
