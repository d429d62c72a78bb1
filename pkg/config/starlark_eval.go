package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	defaultStarlarkTimeout = 30 * time.Second
	maxStarlarkSteps       = 10_000_000
)

// Globals a values script sets.
const (
	modifyValuesGlobal  = "modify_values"
	defaultValuesGlobal = "default_values"
)

// StarlarkEvaluator executes values scripts in a sandbox without I/O.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = defaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes a Starlark script with the given input bound as
// predeclared names and returns its public globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "cmimport",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
		case <-done:
		}
	}()

	output, err := se.exec(thread, script, input)
	result := &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

func (se *StarlarkEvaluator) exec(thread *starlark.Thread, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"pair":   starlark.NewBuiltin("pair", builtinPair),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, "values.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

// EvaluateValues runs the values script of a workflow and stores the
// modify_values and default_values it produces. The script sees the workflow
// name, its mo_values and the number of topology nodes.
func (se *StarlarkEvaluator) EvaluateValues(ctx context.Context, wf *Workflow, nodes int) error {
	if wf.ValuesScript == "" {
		return nil
	}
	script := wf.ValuesScript
	if strings.HasSuffix(script, ".star") {
		data, err := os.ReadFile(script)
		if err != nil {
			return fmt.Errorf("failed to read values script: %w", err)
		}
		script = string(data)
	}

	moValues := make(map[string]interface{}, len(wf.MOValues))
	for k, v := range wf.MOValues {
		moValues[k] = v
	}
	result, err := se.Evaluate(ctx, script, map[string]interface{}{
		"workflow":  wf.Name,
		"operation": wf.Operation,
		"mo_values": moValues,
		"nodes":     nodes,
	})
	if err != nil {
		return fmt.Errorf("values script of %s: %w", wf.Name, err)
	}

	for _, global := range []string{modifyValuesGlobal, defaultValuesGlobal} {
		v, ok := result.Output[global]
		if !ok {
			continue
		}
		values, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("values script of %s: %s must be a dict, got %T", wf.Name, global, v)
		}
		if global == modifyValuesGlobal {
			wf.ModifyValues = values
		} else {
			wf.DefaultValues = values
		}
	}
	return nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Indexable: // list, tuple
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// builtinPair implements pair(name, value), returning a [name, value]
// attribute override with the value rendered as a string.
func builtinPair(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	s, ok := starlark.AsString(value)
	if !ok {
		s = value.String()
	}
	if bv, ok := value.(starlark.Bool); ok {
		s = strings.ToLower(bv.String())
	}
	return starlark.NewList([]starlark.Value{starlark.String(name), starlark.String(s)}), nil
}
