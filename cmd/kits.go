package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/grovetools/preview/cli"
	"github.com/grovetools/preview/pkg/kit"
	"github.com/spf13/cobra"
)

// KitInfo describes a kit in `kits` output.
type KitInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hash        string `json:"hash"`
	Default     bool   `json:"default,omitempty"`
}

// NewKitsCmd returns the command listing the available kits.
func NewKitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kits",
		Short: "List the base templates projects can start from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cli.GetLogger(cmd, "preview-kits")

			kits, err := kit.NewRegistry(cfg.Reload.DefaultKit)
			if err != nil {
				return err
			}
			if err := kits.LoadDir(cfg.Kits.Dir); err != nil {
				logger.WithError(err).WithField("dir", cfg.Kits.Dir).Warn("Failed to load kits")
			}
			def, _ := kits.Default()

			var infos []KitInfo
			for _, id := range kits.IDs() {
				k, err := kits.Get(id)
				if err != nil {
					continue
				}
				infos = append(infos, KitInfo{
					ID:          k.ID,
					Name:        k.Manifest.Name,
					Description: k.Manifest.Description,
					Hash:        k.Hash,
					Default:     def != nil && def.ID == k.ID,
				})
			}

			if cli.GetOptions(cmd).JSONOutput {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
			for _, info := range infos {
				id := info.ID
				if info.Default {
					id += " *"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", id, info.Name, info.Description)
			}
			return tw.Flush()
		},
	}
}
