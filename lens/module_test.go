package lens

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGoMod = `module github.com/acme/app

go 1.24

require (
	github.com/PatchLens/go-trace-lens v0.1.0
	github.com/stretchr/testify v1.11.1 // indirect
)
`

func TestModulePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte(testGoMod), 0644))

	path, err := ModulePath(dir)
	require.NoError(t, err)
	assert.Equal(t, "github.com/acme/app", path)

	_, err = ModulePath(t.TempDir())
	require.Error(t, err)

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "go.mod"), []byte("module\n"), 0644))
	_, err = ModulePath(bad)
	require.Error(t, err)
}

func TestModuleRequires(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte(testGoMod), 0644))

	version, ok, err := ModuleRequires(dir, LensModulePath)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v0.1.0", version)

	version, ok, err = ModuleRequires(dir, "github.com/stretchr/testify")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1.11.1", version)

	_, ok, err = ModuleRequires(dir, "github.com/missing/mod")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindModuleRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte(testGoMod), 0644))
	nested := filepath.Join(root, "internal", "service")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, err := FindModuleRoot(nested)
	require.NoError(t, err)
	expected, err := filepath.Abs(root)
	require.NoError(t, err)
	assert.Equal(t, expected, found)
}
