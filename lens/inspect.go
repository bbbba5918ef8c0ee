package lens

import (
	"reflect"
	"sort"
)

// NamedValue is an ordered name and value pair.
type NamedValue struct {
	Name  string
	Value any
}

// FrameInspector exposes the structured call information of a frame. The bindings are copied at
// construction, so accessors never touch the frame again.
type FrameInspector struct {
	path    CallPath
	pkgPath string
	file    string
	line    int
	params  []Param
}

// NewFrameInspector wraps a frame, failing with an InspectionError when the frame is nil or its call
// has already exited.
func NewFrameInspector(f *Frame) (*FrameInspector, error) {
	if f == nil {
		return nil, &InspectionError{Reason: "nil frame"}
	} else if !f.Valid() {
		return nil, &InspectionError{Function: f.Symbol(), Reason: "frame is no longer valid"}
	}
	params := make([]Param, len(f.params))
	copy(params, f.params)
	return &FrameInspector{
		path:    f.Path(),
		pkgPath: f.Package(),
		file:    f.File(),
		line:    f.Line(),
		params:  params,
	}, nil
}

// FuncName returns the short name of the enclosing callable, closures report their "funcN" name.
func (fi *FrameInspector) FuncName() string {
	return fi.path.Name()
}

// QualName returns the qualified call path of the callable, for example "app.Service.run".
func (fi *FrameInspector) QualName() CallPath {
	return fi.path
}

// Package returns the import path of the package defining the callable.
func (fi *FrameInspector) Package() string {
	return fi.pkgPath
}

// File returns the source file of the callable.
func (fi *FrameInspector) File() string {
	return fi.file
}

// Line returns the line the call was entered at.
func (fi *FrameInspector) Line() int {
	return fi.line
}

// Args returns the explicit positional bindings in declaration order.
func (fi *FrameInspector) Args() []any {
	args := make([]any, 0, len(fi.params))
	for _, p := range fi.params {
		if p.Kind == ParamPositional {
			args = append(args, p.Value)
		}
	}
	return args
}

// Kwargs returns the explicit keyword bindings in declaration order. A name already bound
// positionally is not repeated.
func (fi *FrameInspector) Kwargs() []NamedValue {
	var positional map[string]bool
	var kwargs []NamedValue
	for _, p := range fi.params {
		switch p.Kind {
		case ParamPositional:
			if positional == nil {
				positional = make(map[string]bool)
			}
			positional[p.Name] = true
		case ParamKeyword:
			if !positional[p.Name] {
				kwargs = append(kwargs, NamedValue{Name: p.Name, Value: p.Value})
			}
		}
	}
	return kwargs
}

// KwargsMap returns the keyword bindings keyed by name.
func (fi *FrameInspector) KwargsMap() map[string]any {
	kwargs := fi.Kwargs()
	m := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		m[kv.Name] = kv.Value
	}
	return m
}

// Varargs returns the variadic positional extras, expanded from the bound slice.
func (fi *FrameInspector) Varargs() []any {
	var extras []any
	for _, p := range fi.params {
		if p.Kind == ParamVarPositional {
			extras = append(extras, expandSlice(p.Value)...)
		}
	}
	return extras
}

// Varkw returns the variadic keyword extras sorted by name.
func (fi *FrameInspector) Varkw() []NamedValue {
	var extras []NamedValue
	for _, p := range fi.params {
		if p.Kind == ParamVarKeyword {
			extras = append(extras, expandStringMap(p.Value)...)
		}
	}
	return extras
}

// AllArgValues returns every binding in declaration order. Variadic groups are reported whole under
// "*name" and "**name".
func (fi *FrameInspector) AllArgValues() []NamedValue {
	all := make([]NamedValue, 0, len(fi.params))
	for _, p := range fi.params {
		name := p.Name
		switch p.Kind {
		case ParamVarPositional:
			name = "*" + name
		case ParamVarKeyword:
			name = "**" + name
		}
		all = append(all, NamedValue{Name: name, Value: p.Value})
	}
	return all
}

// Fields returns bounded snapshots of every binding, named as in AllArgValues.
func (fi *FrameInspector) Fields(opts SnapshotOptions) []Field {
	all := fi.AllArgValues()
	fields := make([]Field, len(all))
	for i, nv := range all {
		fields[i] = Snapshot(nv.Name, nv.Value, opts)
	}
	return fields
}

func expandSlice(v any) []any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	} else if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v} // single value bound as the variadic group
	}
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values
}

func expandStringMap(v any) []NamedValue {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil
	}
	values := make([]NamedValue, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		values = append(values, NamedValue{Name: iter.Key().String(), Value: iter.Value().Interface()})
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Name < values[j].Name })
	return values
}
