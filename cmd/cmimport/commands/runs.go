package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/stores"
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded workflow runs",
		Long: `Inspect the workflow runs, iterations, events and audit entries kept in
the state database.`,
	}
	cmd.AddCommand(newRunsListCommand(), newRunsShowCommand(), newRunsDeleteCommand(), newAuditCommand(), newActivityCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		workflow string
		limit    int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List workflow runs, newest first",
		Example: `  cmimport runs list --workflow cmimport_01`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, workflow, limit, 0)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(runs)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTARTED\tCOMPLETED")
			for _, r := range runs {
				completed := "-"
				if r.CompletedAt != nil {
					completed = r.CompletedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Workflow, r.Status, r.StartedAt.Format(time.RFC3339), completed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "only runs of this workflow")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

// runDetail is the --json output of runs show.
type runDetail struct {
	Run        *engine.RunRecord         `json:"run"`
	Iterations []*engine.IterationRecord `json:"iterations"`
	Events     []*engine.Event           `json:"events,omitempty"`
}

func newRunsShowCommand() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:     "show <run-id>",
		Short:   "Show the iterations and events of a run",
		Example: `  cmimport runs show 6f1c2d3e-... --level error`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			its, err := store.ListIterations(ctx, run.ID)
			if err != nil {
				return err
			}
			events, err := store.GetEvents(ctx, stores.EventFilter{RunID: run.ID, Level: level})
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(runDetail{Run: run, Iterations: its, Events: events})
			}
			fmt.Printf("Run %s (%s) %s\n", run.ID, run.Workflow, run.Status)
			if run.LedgerPath != "" {
				fmt.Printf("Ledger: %s\n", run.LedgerPath)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tPHASE\tJOB\tUNDO\tOUTCOME\tERROR")
			for _, it := range its {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n", it.Number, it.Phase, it.Job, it.Undo, it.Outcome, it.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, e := range events {
				fmt.Printf("%s %-7s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Type, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "only events of this level")
	return cmd
}

func newRunsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run with its iterations and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(ctx, args[0]); err != nil {
				return err
			}
			audit(ctx, store, "run.deleted", args[0], nil)
			return nil
		},
	}
}

func newAuditCommand() *cobra.Command {
	var (
		action string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := store.ListAuditEntries(ctx, filter, nil, limit, 0)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			for _, e := range entries {
				target := ""
				if e.TargetID != nil {
					target = *e.TargetID
				}
				fmt.Printf("%s %s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newActivityCommand() *cobra.Command {
	var (
		workflow string
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Print the submission activity lines",
		Long: `Print one "<timestamp> <PROFILE> <expected changes>" line per submitted
change-set, the format read by instrumentation tooling.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			activity, err := store.ListActivity(ctx, workflow, time.Now().Add(-since))
			if err != nil {
				return err
			}
			for _, a := range activity {
				fmt.Println(a.Line())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow whose activity to print")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
