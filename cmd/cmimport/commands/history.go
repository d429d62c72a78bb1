package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		expected int
		iface    string
	)

	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Check the change count recorded for an import job",
		Long: `Read the number of changes the remote system recorded for an import job.

With --expected the count is compared and the command fails on a mismatch,
the same check a workflow iteration runs after each import.`,
		Example: `  # Show the recorded change count of job 1234
  cmimport history 1234 --ssh-host scp-1-scripting

  # Verify a REST job
  cmimport history 77 --interface NBIv2 --nbi-url https://enm.example.com --expected 40`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobID := args[0]

			session, err := openSession(ctx, sessionRequirements{iface: engine.Interface(iface)})
			if err != nil {
				return err
			}
			defer session.Close()

			transport, err := session.Transport()
			if err != nil {
				return err
			}
			total, err := transport.TotalChanges(ctx, jobID)
			if err != nil {
				if expected >= 0 {
					return engine.NewHistoryCheckError(expected, err).WithResource(jobID)
				}
				return err
			}

			if opts.jsonOutput {
				out := map[string]interface{}{"job_id": jobID, "interface": iface, "total": total}
				if expected >= 0 {
					out["expected"] = expected
				}
				if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
					return err
				}
			} else {
				fmt.Printf("job %s: %d change(s)\n", jobID, total)
			}

			if expected >= 0 && total != expected {
				return engine.NewHistoryMismatch(expected, total).WithResource(jobID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&expected, "expected", -1, "expected change count, negative skips the check")
	cmd.Flags().StringVar(&iface, "interface", string(engine.InterfaceCLI), "import interface: CLI, NBIv1 or NBIv2")

	return cmd
}
