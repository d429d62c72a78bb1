package commands

import (
	"fmt"
	"path/filepath"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRenderCommand() *cobra.Command {
	var (
		name   string
		outDir string
	)

	cmd := &cobra.Command{
		Use:   "render <workflow.cue>",
		Short: "Render the change-set files of a workflow",
		Long: `Render both change-set files of a workflow without contacting the
management system. Files are written to the workflow file_dir unless --out
is given.`,
		Example: `  cmimport render cmimport_01.cue
  cmimport render workflows.cue --name cmimport_23 --out /tmp/changesets`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lw, err := loadWorkflow(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}

			for _, spec := range []engine.JobSpec{lw.modify, lw.defaults} {
				path := spec.FilePath
				if outDir != "" {
					path = filepath.Join(outDir, filepath.Base(path))
				}
				strategy, err := changeset.NewStrategy(spec.Operation, spec.Values)
				if err != nil {
					return fmt.Errorf("job %s: %w", spec.Name, err)
				}
				builder := &changeset.Builder{Format: spec.Format, Strategy: strategy}
				if err := builder.WriteFile(path, lw.tree); err != nil {
					return fmt.Errorf("job %s: %w", spec.Name, err)
				}
				log.Debug().Str("job", spec.Name).Str("file", path).Msg("Change-set rendered")
				fmt.Printf("%s\t%s\t%d expected changes\n", spec.Name, path, spec.ExpectedChanges)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "workflow to render when the file defines several")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory")

	return cmd
}
