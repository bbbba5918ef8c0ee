package lens

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

// LensModulePath is the module instrumented projects must require.
const LensModulePath = "github.com/PatchLens/go-trace-lens"

// FindModuleRoot walks up from dir to the nearest directory containing a go.mod file.
func FindModuleRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if FileExists(filepath.Join(dir, "go.mod")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no go.mod found")
		}
		dir = parent
	}
}

func parseGoMod(dir string) (*modfile.File, error) {
	goModFile := filepath.Join(dir, "go.mod")
	data, err := os.ReadFile(goModFile)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", goModFile, err)
	}
	f, err := modfile.Parse(goModFile, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s failed: %w", goModFile, err)
	}
	return f, nil
}

// ModulePath returns the module path declared by the go.mod file in dir.
func ModulePath(dir string) (string, error) {
	f, err := parseGoMod(dir)
	if err != nil {
		return "", err
	} else if f.Module == nil {
		return "", fmt.Errorf("go.mod in %s has no module directive", dir)
	}
	return f.Module.Mod.Path, nil
}

// ModuleRequires finds the version of modName required by the go.mod file in dir. Returns false if
// the module is not required.
func ModuleRequires(dir, modName string) (string, bool, error) {
	f, err := parseGoMod(dir)
	if err != nil {
		return "", false, err
	}
	for _, r := range f.Require {
		if r.Mod.Path == modName {
			return r.Mod.Version, true, nil
		}
	}
	return "", false, nil
}
