package logging

// FormatConfig controls the text log output format.
type FormatConfig struct {
	// DisableTimestamp disables the timestamp from the "default" and "simple" formats.
	DisableTimestamp bool
	// DisableComponent disables the component name from the "default" and "simple" formats.
	DisableComponent bool
	// DisableColors forces plain output even on a color terminal.
	DisableColors bool
}
