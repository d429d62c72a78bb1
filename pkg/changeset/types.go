package changeset

import (
	"fmt"
	"strings"
)

// Operation is the single kind of change a change-set applies.
type Operation string

const (
	// OperationCreate creates every MO in the tree with its own attributes.
	OperationCreate Operation = "create"

	// OperationDelete deletes every MO in the tree.
	OperationDelete Operation = "delete"

	// OperationSet updates attributes of every MO from an override table.
	OperationSet Operation = "set"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationCreate, OperationDelete, OperationSet:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// Modifier returns the 3GPP modifier attribute used for this operation.
func (o Operation) Modifier() string {
	if o == OperationSet {
		return "update"
	}
	return string(o)
}

// Format is the wire format of a change-set file.
type Format string

const (
	// Format3GPP is the bulk CM XML format.
	Format3GPP Format = "3GPP"

	// FormatDynamic is the flat text format.
	FormatDynamic Format = "dynamic"
)

// Validate checks if the format is valid.
func (f Format) Validate() error {
	switch f {
	case Format3GPP, FormatDynamic:
		return nil
	default:
		return fmt.Errorf("invalid file format: %s", f)
	}
}

// Extension returns the file extension used for change-sets of this format.
func (f Format) Extension() string {
	if f == Format3GPP {
		return ".xml"
	}
	return ".txt"
}

// Attribute is a single attribute assignment. Values are always strings.
type Attribute struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// ManagedObject is one addressable configuration entity on a node.
type ManagedObject struct {
	// FDN is the fully distinguished name of the MO.
	FDN string `yaml:"fdn"`

	// Type is the MO class name, e.g. "EUtranCellRelation".
	Type string `yaml:"type"`

	// ID is the MO's own identifier (the value of the last RDN).
	ID string `yaml:"id"`

	// Attributes holds the MO's attribute values in document order.
	Attributes Attributes `yaml:"attributes,omitempty"`
}

// XMLName returns the type name used inside vsData elements.
// The two CPP context variants share one vsData type.
func (mo *ManagedObject) XMLName() string {
	if mo.Type == "context=local" || mo.Type == "context=mgmt" {
		return "context"
	}
	return mo.Type
}

// Branch is one level of a node's MO hierarchy.
// Leaf branches carry Objects; inner branches carry Children.
type Branch struct {
	Type     string           `yaml:"type"`
	ID       string           `yaml:"id"`
	Children []*Branch        `yaml:"children,omitempty"`
	Objects  []*ManagedObject `yaml:"objects,omitempty"`
}

// Node is a network element together with the MOs selected on it.
type Node struct {
	// Name is the node identifier.
	Name string `yaml:"name"`

	// SubNetwork is the full SubNetwork path, e.g. "SubNetwork=Europe,SubNetwork=Ireland".
	SubNetwork string `yaml:"subnetwork"`

	// SubNetworkID is the id of the innermost SubNetwork.
	SubNetworkID string `yaml:"subnetwork_id"`

	// MOs is the node's MO hierarchy, rooted at the node's top-level MO.
	MOs []*Branch `yaml:"mos"`
}

// ManagedObjects returns every leaf MO of the node in depth-first order.
func (n *Node) ManagedObjects() []*ManagedObject {
	var out []*ManagedObject
	var walk func(branches []*Branch)
	walk = func(branches []*Branch) {
		for _, b := range branches {
			walk(b.Children)
			out = append(out, b.Objects...)
		}
	}
	walk(n.MOs)
	return out
}

// groupID returns the SubNetwork id a node is grouped under.
func (n *Node) groupID() string {
	if strings.Contains(n.SubNetwork, "Europe") {
		parts := strings.Split(n.SubNetwork, "SubNetwork=Europe,")
		return "Europe," + parts[len(parts)-1]
	}
	return n.SubNetworkID
}

// Group is the set of nodes sharing a SubNetwork.
type Group struct {
	Kind  string
	ID    string
	Nodes []*Node
}

// Tree is the full set of nodes targeted by a change-set, grouped by SubNetwork.
type Tree struct {
	Groups []*Group
}

// NewTree groups nodes by SubNetwork, preserving first-seen order.
func NewTree(nodes []*Node) *Tree {
	tree := &Tree{}
	index := make(map[string]*Group)
	for _, node := range nodes {
		id := node.groupID()
		g, ok := index[id]
		if !ok {
			g = &Group{Kind: "SubNetwork", ID: id}
			index[id] = g
			tree.Groups = append(tree.Groups, g)
		}
		g.Nodes = append(g.Nodes, node)
	}
	return tree
}

// Nodes returns every node of the tree in group order.
func (t *Tree) Nodes() []*Node {
	var out []*Node
	for _, g := range t.Groups {
		out = append(out, g.Nodes...)
	}
	return out
}

// ManagedObjects returns every leaf MO of the tree.
func (t *Tree) ManagedObjects() []*ManagedObject {
	var out []*ManagedObject
	for _, node := range t.Nodes() {
		out = append(out, node.ManagedObjects()...)
	}
	return out
}

// NodeCount returns the number of nodes in the tree.
func (t *Tree) NodeCount() int {
	n := 0
	for _, g := range t.Groups {
		n += len(g.Nodes)
	}
	return n
}

// TotalExpectedChanges returns the number of changes the remote history should
// record for one activation: the per-node MO counts summed, times the node count.
func TotalExpectedChanges(moValues map[string]int, nodes int) int {
	total := 0
	for _, count := range moValues {
		total += count
	}
	return total * nodes
}

// RDNValue returns the MO id, falling back to the value of the last RDN of the FDN.
func (mo *ManagedObject) RDNValue() string {
	if mo.ID != "" {
		return mo.ID
	}
	rdns := strings.Split(mo.FDN, ",")
	last := rdns[len(rdns)-1]
	if i := strings.Index(last, "="); i >= 0 {
		return last[i+1:]
	}
	return last
}
