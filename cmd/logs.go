package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/grovetools/preview/cli"
	"github.com/grovetools/preview/pkg/paths"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

// logsOptions control which lines are printed and how.
type logsOptions struct {
	Follow    bool
	Tail      int
	JSON      bool
	Component string
}

// NewLogsCmd creates the `logs` command.
func NewLogsCmd() *cobra.Command {
	var opts logsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display preview and companion logs",
		Long: `Prints the structured log file written when logging.file is set, or the
companion log file by default.

Examples:
  # Follow the log
  preview logs -f

  # Last 100 lines from the reload orchestrator
  preview logs --tail 100 --component preview-reload
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Logging.File
			if path == "" {
				path = paths.LogFilePath()
			}
			if cli.GetOptions(cmd).JSONOutput {
				opts.JSON = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return streamLogs(ctx, path, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVar(&opts.Tail, "tail", -1, "Number of lines to show from the end of the log (default: all)")
	cmd.Flags().BoolVar(&opts.JSON, "raw", false, "Print the raw JSON lines")
	cmd.Flags().StringVar(&opts.Component, "component", "", "Only show lines from this component")

	return cmd
}

// streamLogs prints the log at path. With Follow set it keeps printing
// appended lines until ctx is done.
func streamLogs(ctx context.Context, path string, opts logsOptions, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && opts.Follow {
			return followLogs(ctx, path, 0, opts, w)
		}
		return fmt.Errorf("failed to open log file: %w", err)
	}

	var ring []string
	emit := func(line string) {
		switch {
		case opts.Tail < 0:
			printLogLine(w, line, opts)
		case opts.Tail > 0:
			ring = append(ring, line)
			if len(ring) > opts.Tail {
				ring = ring[1:]
			}
		}
	}

	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, err := reader.ReadString('\n')
		complete := strings.HasSuffix(line, "\n")
		if complete {
			offset += int64(len(line))
		}
		// A partial last line is left to the follower.
		if complete || (line != "" && !opts.Follow) {
			emit(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			break
		}
	}
	f.Close()

	for _, line := range ring {
		printLogLine(w, line, opts)
	}
	if !opts.Follow {
		return nil
	}
	return followLogs(ctx, path, offset, opts, w)
}

func followLogs(ctx context.Context, path string, offset int64, opts logsOptions, w io.Writer) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:   stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			printLogLine(w, line.Text, opts)
		}
	}
}

// printLogLine renders a structured JSON line as "time level [component] msg"
// and passes anything else through untouched.
func printLogLine(w io.Writer, line string, opts logsOptions) {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		if opts.Component == "" {
			fmt.Fprintln(w, line)
		}
		return
	}

	component, _ := entry["component"].(string)
	if opts.Component != "" && component != opts.Component {
		return
	}
	if opts.JSON {
		fmt.Fprintln(w, line)
		return
	}

	ts, _ := entry["time"].(string)
	level, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)

	var b strings.Builder
	if ts != "" {
		b.WriteString(ts)
		b.WriteByte(' ')
	}
	b.WriteString(strings.ToUpper(level))
	if component != "" {
		fmt.Fprintf(&b, " [%s]", component)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "time", "level", "msg", "component":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	fmt.Fprintln(w, b.String())
}
