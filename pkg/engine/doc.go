// Package engine runs configuration-activation workflows against a remote
// network management system.
//
// # Overview
//
// A workflow owns two import jobs over the same MO tree: one applies a
// change (modified values, or deletion of the MOs) and the other restores
// the starting point (default values, or recreation of the MOs). A
// CycleOrchestrator alternates between them, one job per iteration:
//
//  1. Setup - render both change-sets, write the recovery ledger and set MOs to their defaults
//  2. Iteration - re-establish the session, pick the forward job and run its import flow
//  3. Reaction - classify a failure and run the matching compensating actions
//  4. Teardown - run every registered obligation, last registered first
//
// # Import Jobs
//
// An ImportJob owns one change-set file. Its lifecycle is a looplab/fsm
// state machine:
//
//	new -> file_ready -> submitted -> verified
//	               \          \
//	                `-> failed <'
//
// A second machine tracks the undo branch of the job:
//
//	idle -> undo_requested -> undo_file_ready -> undo_submitted -> undo_cleaned
//
// ImportFlow runs one activation: prepare an undo if requested, submit, wait,
// verify the history count against the expected count and clean up the undo.
//
// # Error Classification
//
// Failures are EngineErrors carrying a code. The orchestrator reacts to the
// outermost code in the chain:
//
//   - UNDO_PREPARATION_ERROR: clean up undo files and job, keep the phase
//   - IMPORT_ERROR: clean up undo artifacts, then advance the phase (update
//     workflows) or recreate missing MOs (create/delete workflows)
//   - HISTORY_MISMATCH: advance the phase, clean up undo artifacts
//
// Every other error is recorded and the next iteration proceeds normally.
//
// # Recovery
//
// The RecoveryExecutor replays recreate commands from the recovery ledger.
// Reconcile never gives up: the wait between passes doubles from one minute
// until it would pass one hour, after which it is pinned at two hours and
// every pass raises an escalation.
//
// # Example Usage
//
//	modify := engine.NewImportJob(modifySpec, transport, engine.WithUndoService(undo))
//	defaults := engine.NewImportJob(defaultsSpec, transport)
//	orch := engine.NewCycleOrchestrator(engine.OrchestratorConfig{
//	    Workflow:        "cmimport_01",
//	    AttemptRecovery: true,
//	}, defaults, modify, tree, engine.WithSession(session), engine.WithLedger(ledger))
//	err := orch.Run(ctx, 0, time.Hour)
package engine
