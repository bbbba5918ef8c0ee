package lens

import (
	"strings"

	"github.com/dgraph-io/ristretto/v2"
)

// CallPath is a dotted identifier sequence (package.Type.method) locating a callable.
type CallPath string

// Segments splits the path into its dotted identifiers.
func (p CallPath) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Name returns the last segment of the path.
func (p CallPath) Name() string {
	s := string(p)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// HasPrefix reports if prefix equals the path or names one of its enclosing scopes.
// Matching is segment-wise, "pkg.Mod" does not match "pkg.Modx".
func (p CallPath) HasPrefix(prefix CallPath) bool {
	if len(prefix) == 0 || !strings.HasPrefix(string(p), string(prefix)) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '.'
}

// ParseCallPath validates a dotted path, every segment must be non-empty.
func ParseCallPath(s string) (CallPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ConfigurationError{Field: "watch", Value: s}
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return "", &ConfigurationError{Field: "watch", Value: s}
		}
	}
	return CallPath(s), nil
}

// resolvedSymbol is the parsed form of a Go runtime function symbol.
type resolvedSymbol struct {
	pkgPath string   // import path, e.g. "github.com/acme/app"
	path    CallPath // package name qualified path, e.g. "app.Service.Run"
}

var symbolCache *ristretto.Cache[string, resolvedSymbol]

func init() {
	cache, err := ristretto.NewCache(&ristretto.Config[string, resolvedSymbol]{
		NumCounters: 1 << 16,
		MaxCost:     1 << 14, // one cost unit per symbol
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		panic(err) // only possible with an invalid static config
	}
	symbolCache = cache
}

// resolveSymbol parses a runtime function symbol, using the cache for repeated symbols.
func resolveSymbol(symbol string) resolvedSymbol {
	if r, ok := symbolCache.Get(symbol); ok {
		return r
	}
	r := parseSymbol(symbol)
	symbolCache.Set(symbol, r, 1)
	return r
}

// parseSymbol converts symbols such as "github.com/acme/app.(*Service).Run.func1" into the import
// path and the package name qualified call path ("app.Service.Run.func1").
func parseSymbol(symbol string) resolvedSymbol {
	if symbol == "" {
		return resolvedSymbol{}
	}
	// dots in the last import path element are escaped as %2e, so the first dot after the last
	// slash terminates the package path
	lastSlash := strings.LastIndexByte(symbol, '/')
	dot := strings.IndexByte(symbol[lastSlash+1:], '.')
	if dot < 0 {
		return resolvedSymbol{pkgPath: "", path: CallPath(cleanSymbolPart(symbol))}
	}
	dot += lastSlash + 1
	pkgPath := strings.ReplaceAll(symbol[:dot], "%2e", ".")
	pkgName := pkgPath
	if lastSlash >= 0 {
		pkgName = pkgPath[strings.LastIndexByte(pkgPath, '/')+1:]
	}

	rest := cleanSymbolPart(symbol[dot+1:])
	return resolvedSymbol{pkgPath: pkgPath, path: CallPath(pkgName + "." + rest)}
}

// cleanSymbolPart drops receiver pointer markers and generic instantiation brackets.
func cleanSymbolPart(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case depth > 0:
			// inside generic brackets
		case c == '(' || c == ')' || c == '*':
			// receiver decoration
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
