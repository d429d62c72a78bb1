package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// logRecorder logs recovery errors and keeps them for the exit status.
type logRecorder struct {
	errs []error
}

func (r *logRecorder) RecordError(_ context.Context, err error) {
	r.errs = append(r.errs, err)
	log.Error().Err(err).Str("code", engine.ErrorCode(err)).Msg("Recovery error")
}

func newRecoverCommand() *cobra.Command {
	var (
		name      string
		reconcile bool
		file      string
	)

	cmd := &cobra.Command{
		Use:   "recover <workflow.cue>",
		Short: "Replay the recovery ledger of a workflow",
		Long: `Replay the newest recovery ledger of a workflow on the scripting host.

By default every recreate command is run once. With --reconcile the commands
are retried with backoff until every MO exists again; the wait doubles from
the initial backoff and is pinned once it passes the manual intervention
threshold, at which point an escalation is recorded.`,
		Example: `  # Recreate deleted MOs once
  cmimport recover cmimport_11.cue --ssh-host scp-1-scripting

  # Keep retrying until every MO exists
  cmimport recover cmimport_11.cue --reconcile

  # Replay a specific ledger file
  cmimport recover cmimport_11.cue --file ./recovery/cmimport_11/2026-03-14_09-30.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			lw, err := loadWorkflow(ctx, args[0], name)
			if err != nil {
				return err
			}

			var commands []string
			if file != "" {
				commands, err = stores.ReadLedger(file)
			} else {
				commands, err = lw.ledger().Latest(ctx, lw.wf.Name)
			}
			if err != nil && !errors.Is(err, stores.ErrNotFound) {
				return err
			}
			if len(commands) == 0 {
				fmt.Fprintf(os.Stderr, "No recovery ledger for %s\n", lw.wf.Name)
				return nil
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			session, err := openSession(ctx, sessionRequirements{
				iface:   lw.wf.Interface,
				timeout: lw.wf.TimeoutDuration(),
				needSSH: true,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			recorder := &logRecorder{}
			executor := engine.NewRecoveryExecutor(lw.wf.RecoveryConfig(), session.Runner(), engine.TimerSleeper{}, recorder, tel.Metrics)

			start := time.Now()
			details := map[string]interface{}{
				"workflow":  lw.wf.Name,
				"commands":  len(commands),
				"reconcile": reconcile,
			}
			if reconcile {
				report, err := executor.Reconcile(ctx, commands)
				if report != nil {
					details["passes"] = report.Passes
					details["resolved"] = report.Resolved
					details["escalations"] = report.Escalations
					fmt.Printf("%s: %d/%d resolved in %d pass(es), %d escalation(s)\n",
						lw.wf.Name, report.Resolved, len(commands), report.Passes, report.Escalations)
				}
				if err != nil {
					audit(context.WithoutCancel(ctx), store, "ledger.replayed", lw.wf.Name, details)
					return err
				}
			} else {
				if err := executor.RecreateAll(ctx, commands); err != nil {
					return err
				}
				fmt.Printf("%s: replayed %d command(s)\n", lw.wf.Name, len(commands))
			}
			details["errors"] = len(recorder.errs)
			details["duration"] = time.Since(start).String()
			audit(ctx, store, "ledger.replayed", lw.wf.Name, details)

			if len(recorder.errs) > 0 {
				return fmt.Errorf("recovery recorded %d error(s)", len(recorder.errs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "workflow to recover when the file defines several")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "retry with backoff until every MO exists")
	cmd.Flags().StringVar(&file, "file", "", "ledger file to replay instead of the newest one")

	return cmd
}
