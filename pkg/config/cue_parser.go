package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates workflow definitions written in CUE.
//
// A source defines either a single workflow under "workflow" or several
// under "workflows", keyed by name:
//
//	workflow: {
//		name:      "cmimport_01"
//		file_type: "3GPP"
//		mo_values: {EUtranCellRelation: 4}
//		...
//	}
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:               ctx,
		schemaRegistry:    newSchemaRegistry(ctx),
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         newValidator(),
	}
}

// newValidator returns a validator knowing the workflow-specific tags.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	_ = v.RegisterValidation("undotime", func(fl validator.FieldLevel) bool {
		_, err := ParseUndoTime(fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		wf := sl.Current().Interface().(Workflow)
		if !wf.IsUpdate() || wf.ValuesScript != "" {
			return
		}
		if len(wf.ModifyValues) == 0 {
			sl.ReportError(wf.ModifyValues, "ModifyValues", "modify_values", "required_for_update", "")
		}
		if len(wf.DefaultValues) == 0 {
			sl.ReportError(wf.DefaultValues, "DefaultValues", "default_values", "required_for_update", "")
		}
	}, Workflow{})
	return v
}

// Parse parses workflow definitions from files or directories. Definition
// errors are reported in ParsedConfig.Errors; the returned error is reserved
// for sources that cannot be read at all.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	parsed := &ParsedConfig{ParsedAt: time.Now()}
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val   cue.Value
			files []string
			errs  []ValidationError
			dir   string
		)
		if info.IsDir() {
			val, files, errs = cp.loadDirectory(source)
			dir = source
		} else {
			val, errs = cp.loadFile(source)
			files = []string{source}
			dir = filepath.Dir(source)
		}
		parsed.SourceFiles = append(parsed.SourceFiles, files...)
		if len(errs) > 0 {
			parsed.Errors = append(parsed.Errors, errs...)
			continue
		}
		cp.extractWorkflows(ctx, val, dir, parsed)
	}

	seen := make(map[string]bool)
	for _, wf := range parsed.Workflows {
		if seen[wf.Name] {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "workflows." + wf.Name,
				Message:  "duplicate workflow name",
				Severity: "error",
			})
		}
		seen[wf.Name] = true
	}
	return parsed, nil
}

// ParseInline parses inline CUE content. Relative paths are kept as they are.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	parsed := &ParsedConfig{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed, nil
	}
	cp.extractWorkflows(ctx, val, "", parsed)
	return parsed, nil
}

// LoadWorkflow parses sources and returns the named workflow. An empty name
// selects the only workflow defined.
func (cp *CUEParser) LoadWorkflow(ctx context.Context, sources []string, name string) (*Workflow, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, &DefinitionError{Errors: parsed.Errors}
	}
	if name != "" {
		wf, ok := parsed.Workflow(name)
		if !ok {
			return nil, fmt.Errorf("workflow %s not found in %s", name, strings.Join(parsed.SourceFiles, ", "))
		}
		return wf, nil
	}
	switch len(parsed.Workflows) {
	case 0:
		return nil, fmt.Errorf("no workflow defined in %s", strings.Join(parsed.SourceFiles, ", "))
	case 1:
		return &parsed.Workflows[0], nil
	default:
		names := make([]string, len(parsed.Workflows))
		for i, wf := range parsed.Workflows {
			names[i] = wf.Name
		}
		return nil, fmt.Errorf("several workflows defined (%s), select one by name", strings.Join(names, ", "))
	}
}

// ResolveValues runs the workflow's values script, if any, and checks that an
// update workflow ends up with both override tables.
func (cp *CUEParser) ResolveValues(ctx context.Context, wf *Workflow, nodes int) error {
	if err := cp.starlarkEvaluator.EvaluateValues(ctx, wf, nodes); err != nil {
		return err
	}
	if wf.IsUpdate() && (len(wf.ModifyValues) == 0 || len(wf.DefaultValues) == 0) {
		return fmt.Errorf("workflow %s: update workflows need modify_values and default_values", wf.Name)
	}
	return nil
}

// Validate checks a workflow built outside the parser against the schema
// and the struct tags.
func (cp *CUEParser) Validate(ctx context.Context, wf *Workflow) error {
	if err := cp.schemaRegistry.ValidateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name, err)
	}
	if err := cp.validator.Struct(wf); err != nil {
		return fmt.Errorf("workflow %s validation failed: %w", wf.Name, err)
	}
	return nil
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extractWorkflows decodes the workflows of a CUE value into parsed.
func (cp *CUEParser) extractWorkflows(ctx context.Context, val cue.Value, dir string, parsed *ParsedConfig) {
	if single := val.LookupPath(cue.ParsePath("workflow")); single.Exists() {
		cp.addWorkflow(ctx, "workflow", "", single, dir, parsed)
	}

	many := val.LookupPath(cue.ParsePath("workflows"))
	if !many.Exists() {
		return
	}
	iter, err := many.Fields()
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "workflows",
			Message:  fmt.Sprintf("failed to iterate workflows: %v", err),
			Severity: "error",
		})
		return
	}
	var names []string
	values := make(map[string]cue.Value)
	for iter.Next() {
		name := iter.Selector().Unquoted()
		names = append(names, name)
		values[name] = iter.Value()
	}
	sort.Strings(names)
	for _, name := range names {
		cp.addWorkflow(ctx, "workflows."+name, name, values[name], dir, parsed)
	}
}

// addWorkflow unifies one workflow with the schema, decodes and validates it.
func (cp *CUEParser) addWorkflow(_ context.Context, path, key string, val cue.Value, dir string, parsed *ParsedConfig) {
	fail := func(msg string) {
		parsed.Errors = append(parsed.Errors, ValidationError{Path: path, Message: msg, Severity: "error"})
	}

	if key != "" && !val.LookupPath(cue.ParsePath("name")).Exists() {
		val = val.FillPath(cue.ParsePath("name"), key)
	}

	unified, err := cp.schemaRegistry.Unify(WorkflowSchema, val)
	if err != nil {
		for _, e := range cp.convertCUEErrors(err) {
			if e.Path == "" {
				e.Path = path
			}
			parsed.Errors = append(parsed.Errors, e)
		}
		return
	}

	var wf Workflow
	if err := unified.Decode(&wf); err != nil {
		fail(fmt.Sprintf("failed to decode workflow: %v", err))
		return
	}
	wf.finalize(dir)

	if err := cp.validator.Struct(wf); err != nil {
		fail(fmt.Sprintf("validation failed: %v", err))
		return
	}
	parsed.Workflows = append(parsed.Workflows, wf)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

// DefinitionError reports every problem found in workflow definitions.
type DefinitionError struct {
	Errors []ValidationError
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "invalid workflow definition: " + strings.Join(msgs, "; ")
}
