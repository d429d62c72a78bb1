package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// WorkflowSchema is the name of the built-in workflow schema.
const WorkflowSchema = "workflow"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(WorkflowSchema, builtinWorkflowSchema, "#Workflow"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with a named schema, filling in schema defaults.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateWorkflow validates a workflow definition against the workflow schema.
func (sr *SchemaRegistry) ValidateWorkflow(ctx context.Context, wf *Workflow) error {
	return sr.ValidateAgainstSchema(ctx, WorkflowSchema, wf)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinWorkflowSchema = `
#Workflow: {
	// Name is the workflow name, e.g. "cmimport_01"
	name: string & =~"^[a-zA-Z][a-zA-Z0-9_]*$"

	file_type: "3GPP" | "dynamic"
	operation: *"update" | "create_delete"
	interface: *"CLI" | "NBIv1" | "NBIv2"
	flow:      *"live" | "non_live_config1"

	config_name: *"Live" | string & !=""

	error_handling?: [...string]

	// Expected changes per node, keyed by MO type
	mo_values: {[string]: int & >=0}

	// Overrides per MO type: a [name, value] pair, a list of pairs, or a mapping
	modify_values?:  {[string]: _}
	default_values?: {[string]: _}
	values_script?:  string

	// RFC3339 timestamp or daily HH:MM
	undo_time?: string

	attempt_recovery:              *true | bool
	manual_intervention_threshold: *"1h" | string
	timeout:                       *"90m" | string

	recovery_dir: *"/home/enmutils/cmimport/recovery" | string
	undo_dir:     *"/tmp/wl_storage/profile_undo_configs" | string
	file_dir:     *"/home/enmutils/cmimport" | string

	// Path of the YAML topology snapshot
	topology: string
}
`
