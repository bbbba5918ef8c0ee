package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameInspectorBindings(t *testing.T) {
	t.Parallel()

	f := NewFrame("github.com/acme/app.(*Service).run", "service.go", 20,
		Arg("a", 1), Arg("b", 2), Kwarg("x", 3))
	fi, err := NewFrameInspector(f)
	require.NoError(t, err)

	assert.Equal(t, "run", fi.FuncName())
	assert.Equal(t, CallPath("app.Service.run"), fi.QualName())
	assert.Equal(t, "github.com/acme/app", fi.Package())
	assert.Equal(t, "service.go", fi.File())
	assert.Equal(t, 20, fi.Line())
	assert.Equal(t, []any{1, 2}, fi.Args())
	assert.Equal(t, map[string]any{"x": 3}, fi.KwargsMap())
	assert.Equal(t, []NamedValue{{Name: "x", Value: 3}}, fi.Kwargs())
	assert.Empty(t, fi.Varargs())
	assert.Empty(t, fi.Varkw())
}

func TestFrameInspectorVariadic(t *testing.T) {
	t.Parallel()

	f := NewFrame("github.com/acme/app.collect", "collect.go", 5,
		Arg("first", "a"),
		VarArgs("rest", []string{"b", "c"}),
		VarKwargs("opts", map[string]int{"z": 26, "y": 25}))
	fi, err := NewFrameInspector(f)
	require.NoError(t, err)

	assert.Equal(t, []any{"a"}, fi.Args())
	assert.Empty(t, fi.Kwargs())
	assert.Equal(t, []any{"b", "c"}, fi.Varargs())
	assert.Equal(t, []NamedValue{{Name: "y", Value: 25}, {Name: "z", Value: 26}}, fi.Varkw())

	all := fi.AllArgValues()
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Name)
	assert.Equal(t, "*rest", all[1].Name)
	assert.Equal(t, "**opts", all[2].Name)

	fields := fi.Fields(SnapshotOptions{})
	require.Len(t, fields, 3)
	assert.Equal(t, `["b", "c"]`, fields[1].String())
}

func TestFrameInspectorKeywordShadowed(t *testing.T) {
	t.Parallel()

	f := NewFrame("main.run", "main.go", 1, Arg("x", 1), Kwarg("x", 2), Kwarg("y", 3))
	fi, err := NewFrameInspector(f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": 3}, fi.KwargsMap())
}

func TestFrameInspectorSingleVariadicValue(t *testing.T) {
	t.Parallel()

	fi, err := NewFrameInspector(NewFrame("main.run", "main.go", 1, VarArgs("rest", 7)))
	require.NoError(t, err)
	assert.Equal(t, []any{7}, fi.Varargs())
}

func TestFrameInspectorInvalid(t *testing.T) {
	t.Parallel()

	t.Run("nil_frame", func(t *testing.T) {
		_, err := NewFrameInspector(nil)
		require.ErrorIs(t, err, ErrInspection)
	})

	t.Run("stale_frame", func(t *testing.T) {
		f := NewFrame("github.com/acme/app.run", "app.go", 3)
		f.invalidate()
		assert.False(t, f.Valid())
		_, err := NewFrameInspector(f)
		var inspErr *InspectionError
		require.ErrorAs(t, err, &inspErr)
		assert.Equal(t, "github.com/acme/app.run", inspErr.Function)
	})

	t.Run("detached_after_exit", func(t *testing.T) {
		f := NewFrame("github.com/acme/app.run", "app.go", 3, Arg("a", 1))
		fi, err := NewFrameInspector(f)
		require.NoError(t, err)
		f.invalidate()
		assert.Equal(t, []any{1}, fi.Args())
	})
}
