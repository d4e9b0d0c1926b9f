package cli

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/grovetools/preview/logging"
	"github.com/spf13/cobra"
)

// Profiler adds --cpu-profile and --mem-profile to a command tree.
type Profiler struct {
	cpuPath string
	memPath string
	cpuFile *os.File
}

// AddFlags registers the profiling flags as persistent flags on cmd and
// installs the start and stop hooks.
func (p *Profiler) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&p.cpuPath, "cpu-profile", "", "Write a CPU profile to file")
	cmd.PersistentFlags().StringVar(&p.memPath, "mem-profile", "", "Write a heap profile to file on exit")
	cmd.PersistentPreRunE = p.Start
	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) { p.Stop() }
}

// Start begins CPU profiling when requested.
func (p *Profiler) Start(cmd *cobra.Command, args []string) error {
	if p.cpuPath == "" {
		return nil
	}
	f, err := os.Create(p.cpuPath)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("could not start CPU profile: %w", err)
	}
	p.cpuFile = f
	return nil
}

// Stop finishes the CPU profile and writes the heap profile. Safe to call
// more than once.
func (p *Profiler) Stop() {
	logger := logging.NewLogger("preview-profile")

	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		p.cpuFile.Close()
		p.cpuFile = nil
		logger.WithField("path", p.cpuPath).Info("CPU profile written")
	}

	if p.memPath == "" {
		return
	}
	f, err := os.Create(p.memPath)
	if err != nil {
		logger.WithError(err).Warn("Could not create heap profile")
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		logger.WithError(err).Warn("Could not write heap profile")
		return
	}
	logger.WithField("path", p.memPath).Info("Heap profile written")
	p.memPath = ""
}
