package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/preview/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput lists the directories preview reads and writes.
type PathsOutput struct {
	ConfigDir     string `json:"config_dir"`
	DataDir       string `json:"data_dir"`
	StateDir      string `json:"state_dir"`
	CacheDir      string `json:"cache_dir"`
	KitsDir       string `json:"kits_dir"`
	ProjectsDir   string `json:"projects_dir"`
	WorkspacesDir string `json:"workspaces_dir"`
	Socket        string `json:"socket"`
	PidFile       string `json:"pid_file"`
	LogFile       string `json:"log_file"`
}

func NewPathsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the paths used by preview",
		Long: `Print the XDG-compliant paths used by preview as JSON.

- kits_dir: base templates, one sub-directory per kit
- projects_dir: persisted project records (<id>.json)
- workspaces_dir: where backends materialise project trees
- socket, pid_file, log_file: the companion server's runtime files`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir:     paths.ConfigDir(),
				DataDir:       paths.DataDir(),
				StateDir:      paths.StateDir(),
				CacheDir:      paths.CacheDir(),
				KitsDir:       paths.KitsDir(),
				ProjectsDir:   paths.ProjectsDir(),
				WorkspacesDir: paths.WorkspacesDir(),
				Socket:        paths.SocketPath(),
				PidFile:       paths.PidFilePath(),
				LogFile:       paths.LogFilePath(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}

	return cmd
}
