package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/config"
	"github.com/openfroyo/cmimport/pkg/engine"
	"github.com/openfroyo/cmimport/pkg/policy"
	"github.com/openfroyo/cmimport/pkg/stores"
	"github.com/rs/zerolog/log"
)

// loadedWorkflow is a parsed workflow with its topology and job specs.
type loadedWorkflow struct {
	wf       *config.Workflow
	tree     *changeset.Tree
	modify   engine.JobSpec
	defaults engine.JobSpec
}

func loadWorkflow(ctx context.Context, path, name string) (*loadedWorkflow, error) {
	parser := config.NewCUEParser()
	wf, err := parser.LoadWorkflow(ctx, []string{path}, name)
	if err != nil {
		return nil, err
	}

	topo, err := changeset.LoadTopology(wf.Topology)
	if err != nil {
		return nil, fmt.Errorf("failed to load topology of %s: %w", wf.Name, err)
	}
	tree := topo.Tree()

	if err := parser.ResolveValues(ctx, wf, tree.NodeCount()); err != nil {
		return nil, err
	}
	modify, defaults, err := wf.JobSpecs(tree.NodeCount())
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("workflow", wf.Name).
		Str("interface", string(wf.Interface)).
		Int("nodes", tree.NodeCount()).
		Int("expected_changes", modify.ExpectedChanges).
		Msg("Workflow loaded")

	return &loadedWorkflow{wf: wf, tree: tree, modify: modify, defaults: defaults}, nil
}

// ledger returns the recovery ledger store of the workflow.
func (lw *loadedWorkflow) ledger() *stores.FileLedger {
	dir := lw.wf.RecoveryDir
	if opts.ledgerDir != "" {
		dir = opts.ledgerDir
	}
	return stores.NewFileLedger(dir)
}

// newPolicyEngine builds the change-set gate from the built-in policies and
// any --policy paths. With watch set the paths are reloaded on change until
// ctx is done.
func newPolicyEngine(ctx context.Context, watch bool) (*policy.Engine, error) {
	eng, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if len(opts.policyPaths) == 0 {
		return eng, nil
	}
	if err := eng.LoadPolicies(ctx, opts.policyPaths); err != nil {
		return nil, err
	}
	if watch {
		if err := eng.Watch(ctx, opts.policyPaths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// orchestratorDeps are the collaborators wired into a workflow run.
type orchestratorDeps struct {
	runID   string
	session *remoteSession
	store   *stores.SQLiteStore
	gate    engine.ChangeSetGate
	events  engine.EventPublisher
}

func (lw *loadedWorkflow) orchestrator(deps orchestratorDeps) (*engine.CycleOrchestrator, error) {
	cfg, err := lw.wf.OrchestratorConfig(deps.runID)
	if err != nil {
		return nil, err
	}
	transport, err := deps.session.Transport()
	if err != nil {
		return nil, err
	}
	undo := deps.session.UndoService()
	if cfg.UndoTime != nil && undo == nil {
		return nil, fmt.Errorf("workflow %s has an undo time but no REST session is configured", lw.wf.Name)
	}

	logger := tel.Logger.WithWorkflow(lw.wf.Name).WithRunID(cfg.RunID).Zerolog()
	jobOpts := []engine.JobOption{
		engine.WithStateManager(deps.store),
		engine.WithJobLogger(logger),
		engine.WithJobMetrics(tel.Metrics),
		engine.WithRunID(cfg.RunID),
	}
	if deps.gate != nil {
		jobOpts = append(jobOpts, engine.WithGate(deps.gate))
	}
	if undo != nil {
		jobOpts = append(jobOpts, engine.WithUndoService(undo))
	}
	modify := engine.NewImportJob(lw.modify, transport, jobOpts...)
	defaults := engine.NewImportJob(lw.defaults, transport, jobOpts...)

	orchOpts := []engine.OrchestratorOption{
		engine.WithSession(deps.session.Opener()),
		engine.WithOrchestratorState(deps.store),
		engine.WithMetrics(tel.Metrics),
		engine.WithLogger(logger),
	}
	if deps.events != nil {
		orchOpts = append(orchOpts, engine.WithEvents(deps.events))
	}
	if cfg.AttemptRecovery {
		orchOpts = append(orchOpts, engine.WithLedger(lw.ledger()))
		if runner := deps.session.Runner(); runner != nil {
			orchOpts = append(orchOpts, engine.WithRecoveryRunner(runner))
		} else {
			log.Warn().Str("workflow", lw.wf.Name).Msg("No scripting host configured, deleted MOs cannot be recreated")
		}
	}

	return engine.NewCycleOrchestrator(cfg, defaults, modify, lw.tree, orchOpts...), nil
}

// summaries returns the change-set summaries of both jobs as the gate sees
// them before the first submission.
func (lw *loadedWorkflow) summaries() []*engine.ChangeSetSummary {
	fdns := make([]string, 0, len(lw.tree.ManagedObjects()))
	for _, mo := range lw.tree.ManagedObjects() {
		fdns = append(fdns, mo.FDN)
	}
	var out []*engine.ChangeSetSummary
	for _, spec := range []engine.JobSpec{lw.modify, lw.defaults} {
		out = append(out, &engine.ChangeSetSummary{
			Workflow:  spec.Workflow,
			Job:       spec.Name,
			Operation: spec.Operation,
			Format:    spec.Format,
			FDNs:      fdns,
			NodeCount: lw.tree.NodeCount(),
		})
	}
	return out
}
