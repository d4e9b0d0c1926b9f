package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovetools/preview/cli"
	"github.com/grovetools/preview/internal/companion/pidfile"
	"github.com/grovetools/preview/internal/companion/server"
	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/paths"
	"github.com/grovetools/preview/pkg/project"
	"github.com/spf13/cobra"
)

// NewCompanionCmd returns the companion server command with subcommands.
func NewCompanionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "companion",
		Short: "Companion process server",
		Long: `Runs the process server the companion backend talks to. It materialises
projects on disk and runs install, dev server and build commands on request.`,
	}

	cmd.AddCommand(newCompanionStartCmd())
	cmd.AddCommand(newCompanionStopCmd())
	cmd.AddCommand(newCompanionStatusCmd())

	return cmd
}

func newCompanionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the companion server",
		Long:  "Start the companion server in foreground mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			// `preview logs` reads this file by default.
			if cfg.Logging.File == "" {
				cfg.Logging.File = paths.LogFilePath()
				logging.Configure(cfg.Logging)
			}
			logger := cli.GetLogger(cmd, "preview-companion")
			pidPath := paths.PidFilePath()

			if err := pidfile.Acquire(pidPath); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			kits, err := kit.NewRegistry(cfg.Reload.DefaultKit)
			if err != nil {
				return err
			}
			if err := kits.LoadDir(cfg.Kits.Dir); err != nil {
				logger.WithError(err).WithField("dir", cfg.Kits.Dir).Warn("Failed to load kits")
			}

			srv := server.New(server.Options{
				WorkDir:  cfg.Companion.WorkDir,
				Kits:     kits,
				Projects: project.NewStore(cfg.Projects.Dir),
			}, logger)

			addr := cfg.Companion.Listen
			if addr == "" {
				addr = cfg.Companion.Socket
			}
			listener, err := server.Listen(addr)
			if err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			go func() {
				<-stop
				logger.Info("Received stop signal")

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()

				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Server shutdown error: %v", err)
				}
			}()

			logger.WithField("pid", os.Getpid()).Info("Starting companion")
			if err := srv.Serve(listener); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
}

func newCompanionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running companion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sent, pid, err := pidfile.Signal(paths.PidFilePath(), syscall.SIGTERM)
			if err != nil {
				return fmt.Errorf("failed to stop companion: %w", err)
			}
			if !sent {
				fmt.Fprintln(cmd.OutOrStdout(), "Companion is not running")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

func newCompanionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check companion server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := paths.PidFilePath()
			running, pid, err := pidfile.IsRunning(pidPath)

			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			if running {
				pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
				pretty.Success(fmt.Sprintf("Running (PID: %d)", pid))
				pretty.Field("Socket", paths.SocketPath())
				pretty.Field("Log", paths.LogFilePath())
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
				os.Exit(1) // non-zero for scripts
			}
			return nil
		},
	}
}
