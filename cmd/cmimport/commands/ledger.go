package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/cmimport/pkg/stores"
	"github.com/spf13/cobra"
)

func newLedgerCommand() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect recovery ledgers",
		Long: `Inspect and prune the recovery ledgers kept under --ledger-dir.

A ledger holds the commands that recreate every MO of a workflow topology.
It is written during setup of workflows that delete MOs.`,
	}

	fileLedger := func() (*stores.FileLedger, error) {
		if opts.ledgerDir == "" {
			return nil, errors.New("--ledger-dir is required")
		}
		var lopts []stores.LedgerOption
		if retention > 0 {
			lopts = append(lopts, stores.WithRetention(retention))
		}
		return stores.NewFileLedger(opts.ledgerDir, lopts...), nil
	}

	list := &cobra.Command{
		Use:     "list <workflow>",
		Short:   "List the ledgers of a workflow",
		Example: `  cmimport ledger list cmimport_11 --ledger-dir /ericsson/recovery`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := fileLedger()
			if err != nil {
				return err
			}
			files, err := ledger.List(args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(files)
			}
			if len(files) == 0 {
				fmt.Printf("No ledgers for %s\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WRITTEN\tSIZE\tPATH")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%d\t%s\n", f.WrittenAt.Format(time.RFC3339), f.Size, f.Path)
			}
			return w.Flush()
		},
	}

	prune := &cobra.Command{
		Use:     "prune <workflow>",
		Short:   "Remove ledgers older than the retention period",
		Example: `  cmimport ledger prune cmimport_11 --ledger-dir /ericsson/recovery --retention 720h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := fileLedger()
			if err != nil {
				return err
			}
			removed, err := ledger.Prune(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d ledger(s) of %s\n", removed, args[0])
			return nil
		},
	}

	cmd.PersistentFlags().DurationVar(&retention, "retention", 0, "ledger retention, defaults to 60 days")
	cmd.AddCommand(list, prune)

	return cmd
}
