package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/grovetools/preview/cli"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/project"
	"github.com/grovetools/preview/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// projectFlags select the project a session starts on.
type projectFlags struct {
	Record string
}

func (p *projectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.Record, "record", "", "Load the project from a record file instead of the projects directory")
}

// openSession builds a session from the command's configuration and loads
// the project named by args[0], the --record file, or an empty project on
// the default kit.
func openSession(ctx context.Context, cmd *cobra.Command, args []string, flags projectFlags) (*session.Session, *logrus.Entry, error) {
	cfg, cfgPath, err := cli.LoadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := cli.GetLogger(cmd, "preview")

	s, err := session.New(ctx, session.Options{Config: cfg, ConfigPath: cfgPath})
	if err != nil {
		return nil, nil, err
	}

	if err := loadInitial(ctx, s, args, flags, logger); err != nil {
		_ = s.Close(context.Background())
		return nil, nil, err
	}
	return s, logger, nil
}

// loadInitial loads the starting project. A project whose dependencies
// fail to install or build is still loaded: the session stays open so the
// next prompt can fix it, and the failure goes to the transcript.
func loadInitial(ctx context.Context, s *session.Session, args []string, flags projectFlags, logger *logrus.Entry) error {
	var err error
	switch {
	case flags.Record != "":
		var rec *project.Record
		if rec, err = project.Load(flags.Record); err == nil {
			_, err = s.LoadRecord(ctx, rec)
		}
	case len(args) > 0:
		_, err = s.LoadProject(ctx, args[0])
	default:
		_, err = s.LoadRecord(ctx, &project.Record{ID: "scratch", Name: "scratch"})
	}
	if errors.Is(err, errors.ErrCodeInstallFailed) || errors.Is(err, errors.ErrCodeBuildFailed) {
		logger.WithError(err).Warn("Project loaded but the preview is not running")
		s.Consumer().Notify(fmt.Sprintf("Preview failed to start: %v.", err), true)
		return nil
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
