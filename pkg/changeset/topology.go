package changeset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Attributes is an ordered attribute list. In YAML it may be written either
// as a mapping (order preserved) or as a list of {name, value} entries.
type Attributes []Attribute

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Attributes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(Attributes, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: attribute %q must be a scalar", val.Line, key.Value)
			}
			out = append(out, Attribute{Name: key.Value, Value: val.Value})
		}
		*a = out
		return nil
	case yaml.SequenceNode:
		var list []Attribute
		if err := node.Decode(&list); err != nil {
			return err
		}
		*a = list
		return nil
	default:
		return fmt.Errorf("line %d: attributes must be a mapping or a list", node.Line)
	}
}

// Topology is a snapshot of nodes and the MOs selected on them.
type Topology struct {
	Nodes []*Node `yaml:"nodes"`
}

// Tree groups the snapshot's nodes by SubNetwork.
func (t *Topology) Tree() *Tree {
	return NewTree(t.Nodes)
}

// ParseTopology decodes a YAML topology snapshot.
func ParseTopology(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	for i, node := range topo.Nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if node.SubNetworkID == "" && node.SubNetwork == "" {
			return nil, fmt.Errorf("node %s has no subnetwork", node.Name)
		}
	}
	return &topo, nil
}

// LoadTopology reads a YAML topology snapshot from disk.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseTopology(data)
}
