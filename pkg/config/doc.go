// Package config provides CUE parsing of cmimport workflow definitions and
// Starlark evaluation of their value scripts.
//
// # Overview
//
// A workflow definition names the MOs a workflow cycles, how their
// attributes change, which transport submits the change-sets and how the
// workflow recovers from drift. Definitions are unified with the built-in
// #Workflow CUE schema, which supplies defaults, then decoded and checked
// with validator struct tags.
//
// # Components
//
// CUEParser: Parses definition files and directories, reports errors with
// file locations, and converts a Workflow into engine job specs.
//
// SchemaRegistry: Holds the compiled #Workflow schema.
//
// StarlarkEvaluator: Runs values scripts with a timeout and an execution
// step limit.
//
// # Usage Example
//
//	parser := config.NewCUEParser()
//	wf, err := parser.LoadWorkflow(ctx, []string{"cmimport_01.cue"}, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	topo, err := changeset.LoadTopology(wf.Topology)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tree := topo.Tree()
//	if err := parser.ResolveValues(ctx, wf, tree.NodeCount()); err != nil {
//	    log.Fatal(err)
//	}
//	modify, defaults, err := wf.JobSpecs(tree.NodeCount())
//
// # Definition Structure
//
//	workflow: {
//	    name:      "cmimport_01"
//	    file_type: "3GPP"
//	    operation: "update"
//	    interface: "NBIv2"
//	    mo_values: {EUtranCellRelation: 4}
//	    modify_values: {EUtranCellRelation: ["isRemoveAllowed", "false"]}
//	    default_values: {EUtranCellRelation: ["isRemoveAllowed", "true"]}
//	    undo_time: "21:30"
//	    topology: "nodes.yaml"
//	}
//
// Several workflows may be defined in one source under "workflows", keyed by
// name. Relative paths are resolved against the directory of the source.
//
// # Value Scripts
//
// values_script holds Starlark source, or the path of a .star file. The
// script sees workflow, operation, mo_values and nodes, and sets the
// modify_values and default_values globals. pair(name, value) builds one
// override with the value rendered as a string:
//
//	modify_values = {"EUtranCellRelation": pair("isRemoveAllowed", False)}
//	default_values = {"EUtranCellRelation": pair("isRemoveAllowed", True)}
package config
