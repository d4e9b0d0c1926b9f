package command

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default command execution timeout
	DefaultTimeout = 10 * time.Minute

	// MaxTimeout is the maximum allowed timeout
	MaxTimeout = 60 * time.Minute
)

var (
	programNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*$`)
	projectIDRe   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	scriptNameRe  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9:_.-]*$`)
)

// SafeBuilder provides secure command execution with validation
type SafeBuilder struct {
	defaultTimeout time.Duration
	validators     map[string]func(string) error
	executor       Executor
	allowed        map[string]bool
}

// NewSafeBuilder creates a new SafeBuilder instance with a RealExecutor
func NewSafeBuilder() *SafeBuilder {
	return NewSafeBuilderWithExecutor(&RealExecutor{})
}

// NewSafeBuilderWithExecutor creates a new SafeBuilder with a custom Executor
func NewSafeBuilderWithExecutor(exec Executor) *SafeBuilder {
	return &SafeBuilder{
		defaultTimeout: DefaultTimeout,
		validators:     makeDefaultValidators(),
		executor:       exec,
	}
}

// Allow restricts Build to the named programs. With no call every
// well-formed program name is accepted.
func (sb *SafeBuilder) Allow(names ...string) *SafeBuilder {
	if sb.allowed == nil {
		sb.allowed = make(map[string]bool)
	}
	for _, n := range names {
		sb.allowed[n] = true
	}
	return sb
}

// makeDefaultValidators returns the default set of validators
func makeDefaultValidators() map[string]func(string) error {
	return map[string]func(string) error{
		"program":   validateProgramName,
		"projectID": validateProjectID,
		"script":    validateScriptName,
		"fileName":  validateFileName,
	}
}

// validateProgramName accepts bare executable names resolved through PATH.
func validateProgramName(name string) error {
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if !programNameRe.MatchString(name) {
		return fmt.Errorf("invalid command name: %s", name)
	}
	return nil
}

// validateProjectID ensures project ids are safe as directory names
func validateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("project id cannot be empty")
	}
	if !projectIDRe.MatchString(id) {
		return fmt.Errorf("invalid project id: %s (must contain only letters, digits, underscores, and hyphens)", id)
	}
	if len(id) > 128 {
		return fmt.Errorf("project id too long: %s (max 128 characters)", id)
	}
	return nil
}

// validateScriptName ensures package.json script names are safe
func validateScriptName(name string) error {
	if name == "" {
		return fmt.Errorf("script name cannot be empty")
	}
	if !scriptNameRe.MatchString(name) {
		return fmt.Errorf("invalid script name: %s", name)
	}
	return nil
}

// validateFileName ensures file paths are safe
func validateFileName(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	// Prevent directory traversal
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("file path cannot contain '..'")
		}
	}

	// Prevent command injection via shell metacharacters
	if strings.ContainsAny(path, ";|&$`\x00") {
		return fmt.Errorf("file path contains invalid characters")
	}

	return nil
}

// Command represents a safe command configuration
type Command struct {
	ctx      context.Context
	cancel   context.CancelFunc
	name     string
	args     []string
	dir      string
	env      []string
	timeout  time.Duration
	executor Executor
}

// Build creates a new command with validation. The command's context is
// released when the process started from it exits, or by Cancel.
func (sb *SafeBuilder) Build(ctx context.Context, name string, args ...string) (*Command, error) {
	if err := validateProgramName(name); err != nil {
		return nil, err
	}
	if sb.allowed != nil && !sb.allowed[name] {
		return nil, fmt.Errorf("command not allowed: %s", name)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, sb.defaultTimeout)

	return &Command{
		ctx:      timeoutCtx,
		cancel:   cancel,
		name:     name,
		args:     args,
		timeout:  sb.defaultTimeout,
		executor: sb.executor,
	}, nil
}

// WithTimeout sets a custom timeout for the command. Zero removes the
// deadline, which long running dev servers need.
func (c *Command) WithTimeout(parent context.Context, timeout time.Duration) *Command {
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	c.cancel()
	if timeout <= 0 {
		c.ctx, c.cancel = context.WithCancel(parent)
	} else {
		c.ctx, c.cancel = context.WithTimeout(parent, timeout)
	}
	c.timeout = timeout
	return c
}

// WithDir sets the working directory.
func (c *Command) WithDir(dir string) *Command {
	c.dir = dir
	return c
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func (c *Command) WithEnv(env map[string]string) *Command {
	for k, v := range env {
		c.env = append(c.env, k+"="+v)
	}
	return c
}

// Cancel releases the command's context, terminating the process if running.
func (c *Command) Cancel() {
	c.cancel()
}

// String renders the command line for logs.
func (c *Command) String() string {
	return strings.TrimSpace(c.name + " " + strings.Join(c.args, " "))
}

// Validate validates specific arguments
func (sb *SafeBuilder) Validate(argType string, value string) error {
	validator, exists := sb.validators[argType]
	if !exists {
		return fmt.Errorf("no validator for argument type: %s", argType)
	}

	return validator(value)
}

// Exec creates and returns an exec.Cmd
func (c *Command) Exec() *exec.Cmd {
	cmd := c.executor.CommandContext(c.ctx, c.name, c.args...) //nolint:gosec // SafeBuilder provides validation
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	return cmd
}
