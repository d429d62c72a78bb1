package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		name          string
		iterations    int
		interval      time.Duration
		watchPolicies bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.cue>",
		Short: "Run a workflow",
		Long: `Run a workflow: set up, then run iterations until the iteration count is
reached or the process is interrupted, then tear down.

Setup renders both change-sets, writes the recovery ledger and sets the MOs
to their default values. A failed setup is retried every --interval; no
iteration runs until it succeeds. Each iteration imports the next change-set (or its
undo change-set once the undo time has passed) and verifies the job history.
Teardown restores defaults or recreates deleted MOs.`,
		Example: `  # Run until interrupted, one iteration every 30 minutes
  cmimport run cmimport_01.cue --ssh-host scp-1-scripting

  # Run three iterations of one workflow from a multi-workflow file
  cmimport run workflows.cue --name cmimport_23 --iterations 3 --interval 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			lw, err := loadWorkflow(ctx, args[0], name)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			gate, err := newPolicyEngine(ctx, watchPolicies)
			if err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}

			undoTime, err := lw.wf.Schedule()
			if err != nil {
				return err
			}
			session, err := openSession(ctx, sessionRequirements{
				iface:   lw.wf.Interface,
				timeout: lw.wf.TimeoutDuration(),
				needNBI: undoTime != nil,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			if opts.jsonOutput {
				tel.Events.Subscribe(jsonEventWriter(os.Stdout), nil)
			}

			runID := uuid.New().String()
			orch, err := lw.orchestrator(orchestratorDeps{
				runID:   runID,
				session: session,
				store:   store,
				gate:    gate,
				events:  &eventFanout{store: store, bus: tel.Events},
			})
			if err != nil {
				return err
			}

			audit(ctx, store, "run.started", runID, map[string]interface{}{
				"workflow":   lw.wf.Name,
				"interface":  lw.wf.Interface,
				"iterations": iterations,
				"interval":   interval.String(),
			})
			log.Info().
				Str("workflow", lw.wf.Name).
				Str("run_id", runID).
				Int("iterations", iterations).
				Dur("interval", interval).
				Msg("Starting workflow")

			runErr := orch.Run(ctx, iterations, interval)

			recorded := orch.Errors()
			audit(context.WithoutCancel(ctx), store, "run.completed", runID, map[string]interface{}{
				"workflow": lw.wf.Name,
				"errors":   len(recorded),
			})
			if !opts.jsonOutput {
				fmt.Printf("Workflow %s run %s finished with %d recorded error(s)\n", lw.wf.Name, runID, len(recorded))
				for _, e := range recorded {
					fmt.Printf("  [%s] %v\n", engine.ErrorCode(e), e)
				}
			}
			if runErr != nil {
				return fmt.Errorf("teardown failed: %w", runErr)
			}
			if !orch.Ready() {
				return fmt.Errorf("workflow %s never completed setup", lw.wf.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "workflow to run when the file defines several")
	cmd.Flags().IntVarP(&iterations, "iterations", "i", 0, "number of iterations, 0 runs until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Minute, "pause between iterations")
	cmd.Flags().BoolVar(&watchPolicies, "watch-policies", true, "reload --policy paths when they change")

	return cmd
}

// audit records an audit entry. Failures are logged only.
func audit(ctx context.Context, store *stores.SQLiteStore, action, target string, details map[string]interface{}) {
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor(),
		Timestamp: time.Now(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func actor() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
