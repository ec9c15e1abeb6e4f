package recordfilter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/activity-monitor/internal/event"
)

// Filter is a compiled record predicate.
type Filter struct {
	source  string
	program *vm.Program
}

// typeEnv declares the variable types for compile-time checking.
var typeEnv = map[string]interface{}{
	"kind":      "",
	"action":    "",
	"timestamp": "",
	"pid":       0,
	"ppid":      0,
	"path":      "",
	"value":     "",
	"length":    0,
	"thread":    false,
	"active":    false,
}

// Compile parses and type-checks an expression. An empty expression
// yields a nil Filter that matches everything.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(typeEnv), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", source, err)
	}
	return &Filter{source: source, program: program}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match reports whether rec satisfies the filter.
func (f *Filter) Match(rec event.Record) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, Env(rec))
	if err != nil {
		return false, fmt.Errorf("evaluating filter %q: %w", f.source, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.source, out)
	}
	return matched, nil
}

// Apply returns the records that match, preserving order. Evaluation
// errors stop the scan.
func (f *Filter) Apply(records []event.Record) ([]event.Record, error) {
	if f == nil {
		return records, nil
	}
	kept := records[:0:0]
	for _, rec := range records {
		ok, err := f.Match(rec)
		if err != nil {
			return kept, err
		}
		if ok {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}

// Env flattens a record into the variables visible to expressions.
func Env(rec event.Record) map[string]interface{} {
	env := map[string]interface{}{
		"kind":      rec.Kind().String(),
		"action":    rec.Action,
		"timestamp": rec.Timestamp,
		"pid":       0,
		"ppid":      0,
		"path":      "",
		"value":     "",
		"length":    0,
		"thread":    false,
		"active":    false,
	}

	switch p := rec.Payload.(type) {
	case event.FilesystemEvent:
		env["pid"] = int(p.RequestorPID)
		env["path"] = p.Context.Path
		env["length"] = int(p.Context.Length)
	case event.ImageLoadEvent:
		env["pid"] = int(p.ProcessID)
		env["path"] = p.FullImagePath
	case event.RegistryEvent:
		env["pid"] = int(p.Operation.ActorPID)
		env["path"] = p.Operation.KeyPath
		env["value"] = p.Operation.ValueName
	case event.ProcessLifecycleEvent:
		env["pid"] = int(p.ID)
		env["ppid"] = int(p.ParentID)
		env["thread"] = p.IsThread
		env["active"] = p.Active
	}
	return env
}
