// Package changeset renders managed-object trees into import change-sets.
//
// # Overview
//
// A change-set is the file submitted to the remote configuration system by an
// import job. It describes exactly one kind of operation (create, delete or
// set) applied to every managed object (MO) in a tree. Two wire formats are
// supported:
//
//   - 3GPP: a bulk CM configuration XML document with namespaced elements,
//     one VsDataContainer per MO and a timestamped footer.
//   - dynamic: a flat text document with an operation marker, an FDN line and
//     one "name : 'value'" line per attribute.
//
// # Strategies
//
// Renderers never decide which attributes an MO contributes. That is the job
// of a Strategy, which exposes the operation kind and the attributes for a
// single MO:
//
//	type Strategy interface {
//	    OperationKind() Operation
//	    AttributesFor(mo *ManagedObject) ([]Attribute, error)
//	}
//
// ObjectAttributes returns the MO's own attribute values (create and delete),
// Overrides returns externally supplied values keyed by MO type (set).
//
// # Trees
//
// Nodes are grouped by SubNetwork into a Tree. Each node carries a nested
// hierarchy of Branch values whose leaves are the MOs to change. Trees are
// usually loaded from a YAML topology snapshot with LoadTopology.
//
// # Usage Example
//
//	tree := changeset.NewTree(nodes)
//	builder := changeset.NewBuilder(changeset.FormatDynamic, changeset.Overrides{
//	    "EUtranCellRelation": {{Name: "isRemoveAllowed", Value: "true"}},
//	})
//	if err := builder.WriteFile("/var/tmp/cmimport_01.txt", tree); err != nil {
//	    return err
//	}
package changeset
