package lens

import (
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

// WatchRuleKind selects how a watch rule restricts events.
type WatchRuleKind uint8

const (
	// WatchInclude accepts call paths at or nested under the pattern.
	WatchInclude WatchRuleKind = iota + 1
	// WatchExclude rejects call paths at or nested under the pattern ("not:" or "-" prefixed).
	WatchExclude
	// WatchLine accepts events at a specific line ("line:N").
	WatchLine
)

const wildcardSegment = "*"

// WatchRule is one parsed watch entry.
type WatchRule struct {
	Raw       string
	Kind      WatchRuleKind
	segments  []string
	qualified bool // pattern is import path qualified, e.g. "github.com/acme/app.Service"
	line      int
}

// ParseWatchRule parses one watch entry:
//
//	pkg.Type.method    include the path and everything nested under it
//	pkg.Type.*         include any member of pkg.Type
//	not:pkg.internal   exclude (also written as "-pkg.internal")
//	line:42            only events at line 42
func ParseWatchRule(s string) (WatchRule, error) {
	raw := strings.TrimSpace(s)
	rule := WatchRule{Raw: raw, Kind: WatchInclude}
	body := raw
	if strings.HasPrefix(body, "-") {
		rule.Kind, body = WatchExclude, body[1:]
	} else if prefix, rest, ok := strings.Cut(body, ":"); ok && isRulePrefix(prefix) {
		switch prefix {
		case "not":
			rule.Kind, body = WatchExclude, rest
		case "line":
			line, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil || line <= 0 {
				return WatchRule{}, &ConfigurationError{Field: "watch", Value: raw, Cause: err}
			}
			rule.Kind, rule.line = WatchLine, line
			return rule, nil
		default:
			return WatchRule{}, &ConfigurationError{Field: "watch", Value: raw}
		}
	}

	path, err := ParseCallPath(body)
	if err != nil {
		return WatchRule{}, &ConfigurationError{Field: "watch", Value: raw}
	}
	// an import path qualified rule is split at every dot like the frame's qualified path, so the
	// package boundary is resolved against the frame when matching
	rule.qualified = strings.ContainsRune(string(path), '/')
	rule.segments = path.Segments()
	return rule, nil
}

// isRulePrefix reports if s looks like a rule type name rather than part of a path.
func isRulePrefix(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

// matchPath applies segment-wise prefix matching, the rule matches the path or any path nested
// under it.
func (r WatchRule) matchPath(segments []string) bool {
	if len(segments) < len(r.segments) {
		return false
	}
	for i, seg := range r.segments {
		if seg != wildcardSegment && seg != segments[i] {
			return false
		}
	}
	return true
}

func (r WatchRule) String() string {
	return r.Raw
}

// WatchSet is an ordered set of watch rules. Rules of the same kind are alternatives and rule kinds
// combine: a path must match some include rule (when any exist), no exclude rule, and the event line
// must match some line rule (when any exist). An empty set accepts everything.
type WatchSet struct {
	rules []WatchRule
	lines map[int]struct{}
}

// NewWatchSet parses rules into a set, failing on the first malformed rule.
func NewWatchSet(rules ...string) (*WatchSet, error) {
	w := &WatchSet{}
	for _, r := range rules {
		if err := w.Add(r); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Add parses and appends a rule. Adding a rule already present is a no-op.
func (w *WatchSet) Add(rule string) error {
	r, err := ParseWatchRule(rule)
	if err != nil {
		return err
	}
	for _, existing := range w.rules {
		if existing.Raw == r.Raw {
			return nil
		}
	}
	w.rules = append(w.rules, r)
	w.rebuildLines()
	return nil
}

// Remove drops a rule by its text, reporting if it was present.
func (w *WatchSet) Remove(rule string) bool {
	raw := strings.TrimSpace(rule)
	before := len(w.rules)
	w.rules = bulk.SliceFilter(func(r WatchRule) bool {
		return r.Raw != raw
	}, w.rules)
	w.rebuildLines()
	return len(w.rules) != before
}

func (w *WatchSet) rebuildLines() {
	var lines []int
	for _, r := range w.rules {
		if r.Kind == WatchLine {
			lines = append(lines, r.line)
		}
	}
	if len(lines) == 0 {
		w.lines = nil
	} else {
		w.lines = bulk.SliceToSet(lines)
	}
}

// Empty reports if the set has no rules.
func (w *WatchSet) Empty() bool {
	return w == nil || len(w.rules) == 0
}

// Rules returns the rule texts in insertion order.
func (w *WatchSet) Rules() []string {
	if w == nil {
		return nil
	}
	rules := make([]string, len(w.rules))
	for i, r := range w.rules {
		rules[i] = r.Raw
	}
	return rules
}

// MatchFrame reports if the frame's call path passes the include and exclude rules. Line rules are
// not considered.
func (w *WatchSet) MatchFrame(f *Frame) bool {
	if w.Empty() {
		return true
	}
	return w.matchResolved(f.symbolInfo())
}

// Match reports if an event at line within the frame passes every rule.
func (w *WatchSet) Match(f *Frame, line int) bool {
	if w.Empty() {
		return true
	}
	if w.lines != nil {
		if _, ok := w.lines[line]; !ok {
			return false
		}
	}
	return w.matchResolved(f.symbolInfo())
}

// MatchPath reports if a call path passes the include and exclude rules.
func (w *WatchSet) MatchPath(path CallPath) bool {
	if w.Empty() {
		return true
	}
	return w.matchResolved(resolvedSymbol{path: path})
}

func (w *WatchSet) matchResolved(r resolvedSymbol) bool {
	var shortSegs, qualifiedSegs []string
	var pkgSegCount int
	matches := func(rule WatchRule) bool {
		if !rule.qualified {
			if shortSegs == nil {
				shortSegs = r.path.Segments()
			}
			return rule.matchPath(shortSegs)
		} else if r.pkgPath == "" {
			return false
		}
		if qualifiedSegs == nil {
			// replace the package name (which may contain dots) with its import path
			qualified := r.pkgPath
			pkgName := r.pkgPath[strings.LastIndexByte(r.pkgPath, '/')+1:]
			if rest, ok := strings.CutPrefix(string(r.path), pkgName+"."); ok {
				qualified += "." + rest
			}
			qualifiedSegs = strings.Split(qualified, ".")
			pkgSegCount = strings.Count(r.pkgPath, ".") + 1
		}
		// the rule must name the whole import path, "gopkg.in/yaml" does not match "gopkg.in/yaml.v3"
		return len(rule.segments) >= pkgSegCount && rule.matchPath(qualifiedSegs)
	}

	var hasInclude, included bool
	for _, rule := range w.rules {
		switch rule.Kind {
		case WatchInclude:
			hasInclude = true
			if !included && matches(rule) {
				included = true
			}
		case WatchExclude:
			if matches(rule) {
				return false
			}
		}
	}
	return !hasInclude || included
}
