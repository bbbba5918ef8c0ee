package lens

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		symbol  string
		pkgPath string
		path    CallPath
	}{
		{"function", "main.run", "main", "main.run"},
		{"pointer_method", "github.com/acme/app.(*Service).run", "github.com/acme/app", "app.Service.run"},
		{"value_method", "github.com/acme/app.Service.Stop", "github.com/acme/app", "app.Service.Stop"},
		{"closure", "github.com/acme/app.(*Service).run.func1", "github.com/acme/app", "app.Service.run.func1"},
		{"generic_method", "github.com/acme/app.(*Cache[...]).Get", "github.com/acme/app", "app.Cache.Get"},
		{"generic_function", "github.com/acme/app.Map[go.shape.int]", "github.com/acme/app", "app.Map"},
		{"escaped_dot", "gopkg.in/yaml%2ev3.Unmarshal", "gopkg.in/yaml.v3", "yaml.v3.Unmarshal"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parseSymbol(tt.symbol)
			assert.Equal(t, tt.pkgPath, r.pkgPath)
			assert.Equal(t, tt.path, r.path)
		})
	}
}

func TestResolveSymbolCached(t *testing.T) {
	t.Parallel()

	symbol := "github.com/acme/cached.(*Store).Put"
	first := resolveSymbol(symbol)
	symbolCache.Wait()
	second := resolveSymbol(symbol)
	assert.Equal(t, first, second)
	assert.Equal(t, CallPath("cached.Store.Put"), second.path)
}

func TestSymbolCacheHoldsOneUnitPerSymbol(t *testing.T) {
	t.Parallel()

	const symbols = 2000
	for i := 0; i < symbols; i++ {
		resolveSymbol(fmt.Sprintf("github.com/acme/capacity%d.(*Store).Put", i))
	}
	symbolCache.Wait()

	var hits int
	for i := 0; i < symbols; i++ {
		if _, ok := symbolCache.Get(fmt.Sprintf("github.com/acme/capacity%d.(*Store).Put", i)); ok {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, symbols*9/10)
}

func TestCallPathHasPrefix(t *testing.T) {
	t.Parallel()

	p := CallPath("pkg.Mod.Class.fn")
	assert.True(t, p.HasPrefix("pkg.Mod"))
	assert.True(t, p.HasPrefix("pkg.Mod.Class.fn"))
	assert.False(t, p.HasPrefix("pkg.Mo"))
	assert.False(t, p.HasPrefix("other.Mod"))
	assert.False(t, p.HasPrefix(""))
	assert.False(t, CallPath("pkg.Modx.fn").HasPrefix("pkg.Mod"))
}

func TestCallPathSegments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"app", "Service", "run"}, CallPath("app.Service.run").Segments())
	assert.Nil(t, CallPath("").Segments())
	assert.Equal(t, "run", CallPath("app.Service.run").Name())
	assert.Equal(t, "main", CallPath("main").Name())
}

func TestParseCallPath(t *testing.T) {
	t.Parallel()

	p, err := ParseCallPath(" app.Service ")
	require.NoError(t, err)
	assert.Equal(t, CallPath("app.Service"), p)

	for _, bad := range []string{"", "  ", "app..run", ".app", "app."} {
		_, err := ParseCallPath(bad)
		require.ErrorIs(t, err, ErrConfiguration, bad)
	}
}
