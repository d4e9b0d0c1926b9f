package cmd

import (
	"fmt"
	"os"

	"github.com/grovetools/preview/cli"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/grovetools/preview/pkg/project"
	"github.com/spf13/cobra"
)

// NewExportCmd returns the command that zips a persisted project.
func NewExportCmd() *cobra.Command {
	var (
		flags  projectFlags
		output string
		ignore []string
		noKit  bool
	)
	cmd := &cobra.Command{
		Use:   "export [project-id]",
		Short: "Write a project as a zip archive",
		Long: `Writes the project's files overlaid on its kit as a zip archive. No backend
is started. Paths matching --ignore (dockerignore syntax) are left out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cli.GetLogger(cmd, "preview-export")

			var rec *project.Record
			switch {
			case flags.Record != "":
				rec, err = project.Load(flags.Record)
			case len(args) == 1:
				rec, err = project.NewStore(cfg.Projects.Dir).Get(args[0])
			default:
				return fmt.Errorf("a project id or --record is required")
			}
			if err != nil {
				return err
			}

			tree := rec.Files
			if !noKit {
				kits, err := kit.NewRegistry(cfg.Reload.DefaultKit)
				if err != nil {
					return err
				}
				if err := kits.LoadDir(cfg.Kits.Dir); err != nil {
					logger.WithError(err).Warn("Failed to load kits")
				}
				k, err := kits.Get(rec.SelectedKitID)
				if err != nil {
					logger.WithField("kit", rec.SelectedKitID).Warn("Unknown kit, using default")
					if k, err = kits.Default(); err != nil {
						return err
					}
				}
				tree = filetree.Merge(k.Files, rec.Files)
			}

			store := fsstore.New()
			store.Replace(tree, "export")

			if output == "" || output == "-" {
				return store.ExportZip(cmd.OutOrStdout(), ignore)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := store.ExportZip(f, ignore); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			logger.WithField("path", output).Info("Export written")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringSliceVar(&ignore, "ignore", fsstore.DefaultExportIgnore, "Patterns to leave out")
	cmd.Flags().BoolVar(&noKit, "no-kit", false, "Export only the project's own files")
	return cmd
}
