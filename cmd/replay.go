package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/grovetools/preview/pkg/models"
	"github.com/spf13/cobra"
)

// NewReplayCmd returns the command that replays a recorded event stream.
func NewReplayCmd() *cobra.Command {
	var (
		flags  projectFlags
		prompt string
	)
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl> [project-id]",
		Short: "Replay a recorded generation stream into the preview",
		Long: `Feeds a JSON Lines file of generation events through the same path a live
provider stream takes. Useful for reproducing a turn without a provider.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readEvents(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, logger, err := openSession(ctx, cmd, args[1:], flags)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(context.Background()); err != nil {
					logger.WithError(err).Warn("Session close failed")
				}
			}()

			ch := make(chan models.Event, len(events))
			for _, ev := range events {
				ch <- ev
			}
			close(ch)

			summary, err := s.Replay(ctx, prompt, ch)
			if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&prompt, "prompt", "replay", "Prompt recorded in the transcript for the turn")
	return cmd
}

// readEvents decodes one event per line. Blank lines are skipped.
func readEvents(path string) ([]models.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeEvents(f)
}

func decodeEvents(r io.Reader) ([]models.Event, error) {
	var events []models.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
