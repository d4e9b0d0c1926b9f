package main

import (
	"os"

	"github.com/grovetools/preview/cli"
	"github.com/grovetools/preview/cmd"
	"github.com/grovetools/preview/version"
)

func main() {
	rootCmd := cli.NewStandardCommand(
		"preview",
		"Live preview synchronization for generated web projects",
	)
	rootCmd.Version = version.Version

	var profiler cli.Profiler
	profiler.AddFlags(rootCmd)

	rootCmd.AddCommand(cmd.NewVersionCmd())
	rootCmd.AddCommand(cmd.NewRunCmd())
	rootCmd.AddCommand(cmd.NewReplayCmd())
	rootCmd.AddCommand(cmd.NewExportCmd())
	rootCmd.AddCommand(cmd.NewKitsCmd())
	rootCmd.AddCommand(cmd.NewCompanionCmd())
	rootCmd.AddCommand(cmd.NewConfigCmd())
	rootCmd.AddCommand(cmd.NewLogsCmd())
	rootCmd.AddCommand(cmd.NewPathsCmd())

	if err := rootCmd.Execute(); err != nil {
		profiler.Stop()
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		cli.NewErrorHandler(verbose).Handle(err)
		os.Exit(1)
	}
}
