package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/grovetools/preview/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     os.Stderr,
	}
}

// Handle prints a message for err based on its error code and returns it
// unchanged.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "Configuration not found. Run 'preview config schema' to see the available settings.\n")

	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintf(h.Out, "Invalid configuration: %v\n", err)
		fmt.Fprintf(h.Out, "Check it with 'preview config validate'.\n")

	case errors.ErrCodeBackendNotReady:
		fmt.Fprintf(h.Out, "The preview backend is not running. Start it with 'preview companion start' or check backend.kind.\n")

	case errors.ErrCodeInstallFailed:
		fmt.Fprintf(h.Out, "Dependency install failed (exit code %v). The preview was not started.\n", detail(err, "exitCode"))

	case errors.ErrCodeBuildFailed:
		fmt.Fprintf(h.Out, "Build failed (exit code %v).\n", detail(err, "exitCode"))

	case errors.ErrCodeKitNotFound:
		fmt.Fprintf(h.Out, "Kit '%v' not found. Check kits.dir in your configuration.\n", detail(err, "kit"))

	case errors.ErrCodeCommandNotFound:
		fmt.Fprintf(h.Out, "Required command not found. Make sure node and npm are installed.\n")

	case errors.ErrCodeStreamError:
		fmt.Fprintf(h.Out, "Generation stream failed: %v\n", err)

	default:
		fmt.Fprintf(h.Out, "Error: %v\n", err)
	}

	if h.Verbose {
		if groveErr, ok := err.(*errors.GroveError); ok {
			fmt.Fprintf(h.Out, "\nError details:\n%s\n", groveErr.ToJSON())
		}
	}
	return err
}

func detail(err error, key string) interface{} {
	if groveErr, ok := err.(*errors.GroveError); ok {
		if v, ok := groveErr.Details[key]; ok {
			return v
		}
	}
	return "?"
}
