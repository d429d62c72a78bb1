// Package policy gates change-set submissions with Open Policy Agent.
//
// Every import job hands the summary of the change-set it is about to submit
// (workflow, job, operation, file format, FDNs, node count and whether it is
// an undo) to the Engine. The summary is exposed to Rego as
// input.changeset, evaluation metadata as input.context and the engine
// Settings as data.settings. Each policy defines a deny set whose entries
// are either message strings or objects:
//
//	package cmimport.policies.cells
//
//	deny contains violation if {
//	    input.changeset.operation == "delete"
//	    input.changeset.node_count > 100
//	    violation := {"message": "bulk delete", "severity": "error"}
//	}
//
// Error and critical violations deny the change-set. Evaluate then returns a
// POLICY_DENIED import error, which the orchestrator handles like any other
// failed import. Warnings are logged only.
//
// # Built-in Policies
//
//   - protected-fdns: no delete may touch an FDN matching a protected
//     pattern (by default the SystemFunctions branch of a ManagedElement).
//   - empty-changeset: forward change-sets must carry at least one MO.
//   - changeset-size: warns above Settings.MaxChangeSetMOs.
//
// # Loading
//
// User policies are .rego files, named after the file, or .json files
// holding a Policy. A "# severity: error" comment in the leading comment
// block of a .rego file sets its default severity. Watch reloads the set
// whenever a file under the watched paths changes.
package policy
