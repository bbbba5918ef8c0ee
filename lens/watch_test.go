package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWatchRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		kind     WatchRuleKind
		segments []string
		line     int
	}{
		{"include", "pkg.Mod", WatchInclude, []string{"pkg", "Mod"}, 0},
		{"trimmed", "  pkg.Mod  ", WatchInclude, []string{"pkg", "Mod"}, 0},
		{"wildcard", "pkg.*.run", WatchInclude, []string{"pkg", "*", "run"}, 0},
		{"not_prefix", "not:pkg.internal", WatchExclude, []string{"pkg", "internal"}, 0},
		{"dash_prefix", "-pkg.internal", WatchExclude, []string{"pkg", "internal"}, 0},
		{"line", "line:42", WatchLine, nil, 42},
		{"qualified", "github.com/acme/app.Service", WatchInclude, []string{"github", "com/acme/app", "Service"}, 0},
		{"qualified_package", "github.com/acme/app", WatchInclude, []string{"github", "com/acme/app"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseWatchRule(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, r.Kind)
			assert.Equal(t, tt.segments, r.segments)
			assert.Equal(t, tt.line, r.line)
		})
	}
}

func TestParseWatchRuleErrors(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "-", "not:", "line:abc", "line:0", "line:-3", "foo:bar", "pkg..Mod"} {
		t.Run(bad, func(t *testing.T) {
			_, err := ParseWatchRule(bad)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, "watch", cfgErr.Field)
		})
	}
}

func TestWatchSetPrefixMatch(t *testing.T) {
	t.Parallel()

	w, err := NewWatchSet("pkg.Mod")
	require.NoError(t, err)

	assert.True(t, w.MatchPath("pkg.Mod"))
	assert.True(t, w.MatchPath("pkg.Mod.Class.fn"))
	assert.False(t, w.MatchPath("other.Mod.fn"))
	assert.False(t, w.MatchPath("pkg.Modx"))
	assert.False(t, w.MatchPath("pkg"))
}

func TestWatchSetWildcard(t *testing.T) {
	t.Parallel()

	w, err := NewWatchSet("app.*.run")
	require.NoError(t, err)
	assert.True(t, w.MatchPath("app.Service.run"))
	assert.True(t, w.MatchPath("app.Worker.run.func1"))
	assert.False(t, w.MatchPath("app.Service.stop"))
}

func TestWatchSetExclude(t *testing.T) {
	t.Parallel()

	w, err := NewWatchSet("app", "not:app.internal", "-app.Service.debug")
	require.NoError(t, err)
	assert.True(t, w.MatchPath("app.Service.run"))
	assert.False(t, w.MatchPath("app.internal.helper"))
	assert.False(t, w.MatchPath("app.Service.debug"))
	assert.False(t, w.MatchPath("other.run"))

	excludeOnly, err := NewWatchSet("not:app.internal")
	require.NoError(t, err)
	assert.True(t, excludeOnly.MatchPath("other.run"))
	assert.False(t, excludeOnly.MatchPath("app.internal.x"))
}

func TestWatchSetLines(t *testing.T) {
	t.Parallel()

	w, err := NewWatchSet("app.Service", "line:10", "line:12")
	require.NoError(t, err)
	f := NewFrame("github.com/acme/app.(*Service).run", "service.go", 8)

	assert.True(t, w.MatchFrame(f))
	assert.True(t, w.Match(f, 10))
	assert.True(t, w.Match(f, 12))
	assert.False(t, w.Match(f, 11))

	other := NewFrame("github.com/acme/other.run", "other.go", 10)
	assert.False(t, w.Match(other, 10))

	assert.True(t, w.Remove("line:10"))
	assert.False(t, w.Match(f, 10))
	assert.True(t, w.Remove("line:12"))
	assert.True(t, w.Match(f, 11))
}

func TestWatchSetQualified(t *testing.T) {
	t.Parallel()

	w, err := NewWatchSet("github.com/acme/app.Service")
	require.NoError(t, err)

	assert.True(t, w.MatchFrame(NewFrame("github.com/acme/app.(*Service).run", "a.go", 1)))
	assert.False(t, w.MatchFrame(NewFrame("github.com/other/app.(*Service).run", "a.go", 1)))
	assert.False(t, w.MatchFrame(NewFrame("github.com/acme/app.Worker", "a.go", 1)))
	// short paths carry no import path
	assert.False(t, w.MatchPath("app.Service.run"))

	pkg, err := NewWatchSet("github.com/acme/app")
	require.NoError(t, err)
	assert.True(t, pkg.MatchFrame(NewFrame("github.com/acme/app.run", "a.go", 1)))
	assert.False(t, pkg.MatchFrame(NewFrame("github.com/acme/app/sub.run", "a.go", 1)))
}

func TestWatchSetQualifiedDottedPackage(t *testing.T) {
	t.Parallel()

	decode := NewFrame("gopkg.in/yaml%2ev3.(*Decoder).Decode", "decode.go", 1)
	require.Equal(t, CallPath("yaml.v3.Decoder.Decode"), decode.Path())
	require.Equal(t, "gopkg.in/yaml.v3", decode.Package())

	tests := []struct {
		name  string
		rule  string
		match bool
	}{
		{"type", "gopkg.in/yaml.v3.Decoder", true},
		{"method", "gopkg.in/yaml.v3.Decoder.Decode", true},
		{"package", "gopkg.in/yaml.v3", true},
		{"wildcard", "gopkg.in/yaml.v3.*.Decode", true},
		{"partial_package", "gopkg.in/yaml", false},
		{"other_type", "gopkg.in/yaml.v3.Encoder", false},
		{"other_version", "gopkg.in/yaml.v2.Decoder", false},
		{"short_path", "yaml.v3.Decoder", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWatchSet(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.match, w.MatchFrame(decode))
		})
	}

	exclude, err := NewWatchSet("example.com/foo/bar.go", "not:example.com/foo/bar.go.internal")
	require.NoError(t, err)
	assert.True(t, exclude.MatchFrame(NewFrame("example.com/foo/bar%2ego.Run", "run.go", 1)))
	assert.False(t, exclude.MatchFrame(NewFrame("example.com/foo/bar%2ego.internal.func1", "run.go", 1)))
}

func TestWatchSetMutation(t *testing.T) {
	t.Parallel()

	var nilSet *WatchSet
	assert.True(t, nilSet.Empty())
	assert.True(t, nilSet.MatchPath("anything"))
	assert.Nil(t, nilSet.Rules())

	w, err := NewWatchSet()
	require.NoError(t, err)
	assert.True(t, w.Empty())
	assert.True(t, w.MatchPath("anything"))

	require.NoError(t, w.Add("app.Service"))
	require.NoError(t, w.Add(" app.Service"))
	assert.Equal(t, []string{"app.Service"}, w.Rules())

	require.ErrorIs(t, w.Add("bad:rule"), ErrConfiguration)
	assert.Equal(t, []string{"app.Service"}, w.Rules())

	assert.False(t, w.Remove("app.Other"))
	assert.True(t, w.Remove("app.Service"))
	assert.True(t, w.Empty())
}
