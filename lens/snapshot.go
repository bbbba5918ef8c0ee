package lens

import (
	"crypto/sha1"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
	"unsafe"

	"github.com/mtraver/base91"
)

// HashFieldValuePrefix marks a non-string value that was too large to keep and was replaced by its hash.
const HashFieldValuePrefix = "vsha1-"

const nonStringHashSizeLimit = 128

// Field kinds recorded in snapshots.
const (
	FieldKindNil     = "nil"
	FieldKindBool    = "bool"
	FieldKindInt     = "int"
	FieldKindUint    = "uint"
	FieldKindFloat   = "float"
	FieldKindComplex = "complex"
	FieldKindString  = "string"
	FieldKindSlice   = "slice"
	FieldKindMap     = "map"
	FieldKindStruct  = "struct"
	FieldKindOpaque  = "opaque" // funcs, chans, cycles, depth cut-offs and hashed values
)

// SnapshotOptions bounds the work done when snapshotting a value.
type SnapshotOptions struct {
	MaxDepth int // maximum nesting of composite values
	MaxLen   int // maximum string length and slice/map entries
}

// DefaultSnapshotOptions are used when zero options are given.
var DefaultSnapshotOptions = SnapshotOptions{MaxDepth: 20, MaxLen: 1024}

func (o SnapshotOptions) normalize() SnapshotOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultSnapshotOptions.MaxDepth
	}
	if o.MaxLen <= 0 {
		o.MaxLen = DefaultSnapshotOptions.MaxLen
	}
	return o
}

// Field is a bounded, detached snapshot of a named value.
type Field struct {
	Name     string  `msgpack:"n"`
	Type     string  `msgpack:"t"`
	Kind     string  `msgpack:"k"`
	Value    any     `msgpack:"v,omitempty"` // set for scalar kinds
	Children []Field `msgpack:"c,omitempty"` // set for slices, maps and structs
}

// Snapshot captures v by reflection. Pointers and interfaces are followed, cycles and excess depth
// are cut, and long strings and collections are truncated to opts.MaxLen.
func Snapshot(name string, v any, opts SnapshotOptions) Field {
	s := snapshotter{opts: opts.normalize()}
	return s.field(name, reflect.ValueOf(v), 0, "")
}

type snapshotter struct {
	opts    SnapshotOptions
	visited map[uintptr]string // references on the path from the root to the current value
}

func (s *snapshotter) seen(v reflect.Value, valuePath string) (string, bool) {
	if s.visited == nil {
		s.visited = make(map[uintptr]string)
	}
	addr := v.Pointer()
	if cycleName, ok := s.visited[addr]; ok {
		return cycleName, true
	}
	s.visited[addr] = valuePath
	return "", false
}

func (s *snapshotter) field(name string, v reflect.Value, depth int, parentPath string) Field {
	valuePath := name
	if parentPath != "" {
		valuePath = parentPath + "." + name
	}

	// cycle detection before unwrapping catches self-referential pointers like n.Next = n
	if v.IsValid() && v.Kind() == reflect.Pointer && !v.IsNil() {
		if cycleName, ok := s.seen(v, valuePath); ok {
			return Field{Name: name, Type: v.Type().String(), Kind: FieldKindOpaque, Value: "<cycle:" + cycleName + ">"}
		}
		defer delete(s.visited, v.Pointer())
	}
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return Field{Name: name, Type: v.Type().String(), Kind: FieldKindNil}
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return Field{Name: name, Type: "nil", Kind: FieldKindNil}
	}
	vType := v.Type()
	f := Field{Name: name, Type: vType.String()}
	if depth >= s.opts.MaxDepth {
		f.Kind, f.Value = FieldKindOpaque, "<max-depth>"
		return f
	}

	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			f.Kind = FieldKindNil
			return f
		}
		if v.Kind() != reflect.Func && v.Kind() != reflect.Chan {
			if cycleName, ok := s.seen(v, valuePath); ok {
				f.Kind, f.Value = FieldKindOpaque, "<cycle:"+cycleName+">"
				return f
			}
			defer delete(s.visited, v.Pointer())
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		f.Kind, f.Value = FieldKindBool, v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f.Kind, f.Value = FieldKindInt, v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f.Kind, f.Value = FieldKindUint, v.Uint()
	case reflect.Float32, reflect.Float64:
		f.Kind, f.Value = FieldKindFloat, v.Float()
	case reflect.Complex64, reflect.Complex128:
		f.Kind, f.Value = FieldKindComplex, fmt.Sprint(v.Complex())
	case reflect.String:
		f.Kind, f.Value = FieldKindString, s.limitString(v.String())
	case reflect.Slice, reflect.Array:
		if vType.Elem().Kind() == reflect.Uint8 && v.Kind() == reflect.Slice {
			f.Kind, f.Value = FieldKindString, s.limitString(string(v.Bytes()))
			return f
		}
		f.Kind = FieldKindSlice
		n := min(v.Len(), s.opts.MaxLen)
		f.Children = make([]Field, 0, n)
		for i := 0; i < n; i++ {
			f.Children = append(f.Children, s.field("["+strconv.Itoa(i)+"]", v.Index(i), depth+1, valuePath))
		}
	case reflect.Map:
		f.Kind = FieldKindMap
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return compareReflectValue(keys[i], keys[j]) < 0 })
		if len(keys) > s.opts.MaxLen {
			keys = keys[:s.opts.MaxLen]
		}
		f.Children = make([]Field, 0, len(keys))
		for _, k := range keys {
			f.Children = append(f.Children, s.field(fmt.Sprint(k.Interface()), v.MapIndex(k), depth+1, valuePath))
		}
	case reflect.Struct:
		// make addressable so unexported fields can be read
		if !v.CanAddr() {
			tmp := reflect.New(vType).Elem()
			tmp.Set(v)
			v = tmp
		}
		f.Kind = FieldKindStruct
		f.Children = make([]Field, 0, v.NumField())
		for i := 0; i < v.NumField(); i++ {
			fv := v.Field(i)
			if !fv.CanInterface() {
				fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
			}
			f.Children = append(f.Children, s.field(vType.Field(i).Name, fv, depth+1, valuePath))
		}
	case reflect.Func:
		f.Kind, f.Value = FieldKindOpaque, "<func>"
	case reflect.Chan:
		f.Kind, f.Value = FieldKindOpaque, "<chan>"
	default:
		f.Kind, f.Value = FieldKindOpaque, hashOversize(fmt.Sprint(v.Interface()))
	}
	return f
}

func (s *snapshotter) limitString(str string) string {
	if len(str) > s.opts.MaxLen {
		cut := s.opts.MaxLen
		for cut > 0 && !utf8.RuneStart(str[cut]) {
			cut-- // keep multi-byte runes whole
		}
		str = str[:cut] + "…(" + strconv.Itoa(len(str)-cut) + " more)"
	}
	return str
}

// hashOversize replaces long non-string renderings with a stable hash.
func hashOversize(str string) string {
	if len(str) <= nonStringHashSizeLimit {
		return str
	}
	sha := sha1.Sum([]byte(str))
	return HashFieldValuePrefix + base91.StdEncoding.EncodeToString(sha[:])
}

// String renders the snapshot value in a compact Go-like form.
func (f Field) String() string {
	var sb strings.Builder
	f.render(&sb)
	return sb.String()
}

func (f Field) render(sb *strings.Builder) {
	switch f.Kind {
	case FieldKindNil:
		sb.WriteString("nil")
	case FieldKindString:
		sb.WriteString(strconv.Quote(fmt.Sprint(f.Value)))
	case FieldKindSlice:
		sb.WriteByte('[')
		for i, c := range f.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			c.render(sb)
		}
		sb.WriteByte(']')
	case FieldKindMap, FieldKindStruct:
		if f.Kind == FieldKindMap {
			sb.WriteString("map")
		} else {
			sb.WriteString(f.Type)
		}
		sb.WriteByte('{')
		for i, c := range f.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(c.Name)
			sb.WriteString(": ")
			c.render(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(fmt.Sprint(f.Value))
	}
}

// FormatValue renders v the way trace outlines print arguments and return values.
func FormatValue(v any) string {
	if f, ok := v.(Field); ok {
		return f.String()
	}
	return Snapshot("", v, SnapshotOptions{MaxDepth: 4, MaxLen: 64}).String()
}

// compareReflectValue orders map keys, keys in one map always share a type.
func compareReflectValue(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.String:
		return strings.Compare(a.String(), b.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmpOrdered(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmpOrdered(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmpOrdered(a.Float(), b.Float())
	case reflect.Bool:
		if a.Bool() == b.Bool() {
			return 0
		} else if b.Bool() {
			return -1
		}
		return 1
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return cmpOrdered(boolInt(!a.IsNil()), boolInt(!b.IsNil()))
		} else if a.Elem().Type() != b.Elem().Type() {
			return strings.Compare(a.Elem().Type().String(), b.Elem().Type().String())
		}
		return compareReflectValue(a.Elem(), b.Elem())
	default:
		return strings.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
	}
}

func cmpOrdered[T int64 | uint64 | float64 | int](a, b T) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
