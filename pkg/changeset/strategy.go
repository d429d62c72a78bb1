package changeset

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMissingFDN is returned when an MO has no addressable identifier.
var ErrMissingFDN = errors.New("managed object has no FDN")

// ErrNoOverride is returned when a set change-set has no values for an MO type.
var ErrNoOverride = errors.New("no override values for managed object type")

// Strategy decides the operation and per-MO attributes of a change-set.
type Strategy interface {
	OperationKind() Operation
	AttributesFor(mo *ManagedObject) ([]Attribute, error)
}

// ObjectAttributes renders each MO with its own attribute values.
type ObjectAttributes struct {
	Operation Operation
}

// OperationKind implements Strategy.
func (s ObjectAttributes) OperationKind() Operation { return s.Operation }

// AttributesFor implements Strategy.
func (s ObjectAttributes) AttributesFor(mo *ManagedObject) ([]Attribute, error) {
	return mo.Attributes, nil
}

// Overrides maps an MO type to the attribute values a set change-set applies.
type Overrides map[string][]Attribute

// OperationKind implements Strategy.
func (o Overrides) OperationKind() Operation { return OperationSet }

// AttributesFor implements Strategy.
func (o Overrides) AttributesFor(mo *ManagedObject) ([]Attribute, error) {
	attrs, ok := o[mo.Type]
	if !ok || len(attrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOverride, mo.Type)
	}
	return attrs, nil
}

// NewStrategy returns the strategy for an operation. Overrides are required
// for OperationSet and ignored otherwise.
func NewStrategy(op Operation, values Overrides) (Strategy, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op == OperationSet {
		if values == nil {
			return nil, errors.New("set operation requires override values")
		}
		return values, nil
	}
	return ObjectAttributes{Operation: op}, nil
}

// NormalizeOverride converts a loosely typed override value into attributes.
// It accepts a single pair, a list of pairs, or a mapping, where a pair is
// either a two-element list [name, value] or a {name, value} object:
//
//	["isRemoveAllowed", "true"]
//	[["isRemoveAllowed", "true"], ["isHoAllowed", "false"]]
//	{"name": "isRemoveAllowed", "value": "true"}
//	{"isRemoveAllowed": "true"}
func NormalizeOverride(v interface{}) ([]Attribute, error) {
	switch val := v.(type) {
	case []Attribute:
		return val, nil
	case Attribute:
		return []Attribute{val}, nil
	case []interface{}:
		if attr, ok := asPair(val); ok {
			return []Attribute{attr}, nil
		}
		out := make([]Attribute, 0, len(val))
		for i, item := range val {
			attrs, err := NormalizeOverride(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, attrs...)
		}
		return out, nil
	case map[string]interface{}:
		if name, ok := val["name"]; ok {
			if value, ok := val["value"]; ok && len(val) == 2 {
				return []Attribute{{Name: fmt.Sprint(name), Value: fmt.Sprint(value)}}, nil
			}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Attribute, 0, len(keys))
		for _, k := range keys {
			out = append(out, Attribute{Name: k, Value: fmt.Sprint(val[k])})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported override value type %T", v)
	}
}

// asPair reports whether a list is a single [name, value] pair.
func asPair(list []interface{}) (Attribute, bool) {
	if len(list) != 2 {
		return Attribute{}, false
	}
	name, ok := list[0].(string)
	if !ok {
		return Attribute{}, false
	}
	switch list[1].(type) {
	case []interface{}, map[string]interface{}:
		return Attribute{}, false
	}
	return Attribute{Name: name, Value: fmt.Sprint(list[1])}, true
}

// NormalizeOverrides converts a table of loosely typed override values.
func NormalizeOverrides(values map[string]interface{}) (Overrides, error) {
	out := make(Overrides, len(values))
	for moType, v := range values {
		attrs, err := NormalizeOverride(v)
		if err != nil {
			return nil, fmt.Errorf("override for %s: %w", moType, err)
		}
		out[moType] = attrs
	}
	return out, nil
}
