package lens

import (
	"fmt"
	"os"
	"strings"
)

const eventsRulePrefix = "events:"

// RuleBlock is a group of rules configuring one tracer. Child blocks configure tracers that only
// dispatch while this block's tracer is in a watched call.
type RuleBlock struct {
	Rules    []string
	Children []RuleBlock
}

// ConfigLoader builds tracers from an indentation structured rules file:
//
//	app.Service
//	events:call,return
//	    app.store
//	        events:exception
//
//	-app.internal
//
// Consecutive lines at one indentation form a block, one rule per line. A blank line ends a block.
// A deeper indented line opens a child block, and returning to a shallower indentation starts a new
// block at that level. Lines starting with "#" are comments.
type ConfigLoader struct {
	// NewHandler selects the handler for the tracer of a block, depth is 0 for top level blocks.
	// When nil, tracers print calls with PrintHandler.
	NewHandler func(block RuleBlock, depth int) Handler
	// ManagerOptions are applied to managers built by Load.
	ManagerOptions []ManagerOption
}

type ruleNode struct {
	indent   int
	rules    []string
	children []*ruleNode
}

func (n *ruleNode) block() RuleBlock {
	b := RuleBlock{Rules: n.rules}
	for _, c := range n.children {
		b.Children = append(b.Children, c.block())
	}
	return b
}

// Parse splits the rules text into blocks.
func (l *ConfigLoader) Parse(text string) ([]RuleBlock, error) {
	var roots []*ruleNode
	var open []*ruleNode // path from a root to the current block
	closed := false

	newBlock := func(indent int, rule string) {
		n := &ruleNode{indent: indent, rules: []string{rule}}
		if len(open) == 0 {
			roots = append(roots, n)
		} else {
			parent := open[len(open)-1]
			parent.children = append(parent.children, n)
		}
		open = append(open, n)
	}

	for i, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimRight(rawLine, " \t\r")
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			closed = true
			continue
		} else if strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := indentWidth(line[:len(line)-len(trimmed)])

		if len(open) == 0 {
			newBlock(indent, trimmed)
		} else if top := open[len(open)-1]; indent > top.indent {
			newBlock(indent, trimmed)
		} else if indent == top.indent && !closed {
			top.rules = append(top.rules, trimmed)
		} else {
			for len(open) > 0 && open[len(open)-1].indent > indent {
				open = open[:len(open)-1]
			}
			if len(open) > 0 {
				if open[len(open)-1].indent != indent {
					return nil, &ConfigurationError{Field: "rules", Value: trimmed,
						Cause: fmt.Errorf("line %d: indentation matches no enclosing block", i+1)}
				}
				open = open[:len(open)-1] // sibling of the block at this level
			}
			newBlock(indent, trimmed)
		}
		closed = false
	}

	blocks := make([]RuleBlock, len(roots))
	for i, n := range roots {
		blocks[i] = n.block()
	}
	return blocks, nil
}

// indentWidth counts leading whitespace, tabs advance to the next multiple of four.
func indentWidth(ws string) int {
	var width int
	for _, c := range ws {
		if c == '\t' {
			width += 4 - width%4
		} else {
			width++
		}
	}
	return width
}

// Load parses the rules text and builds a manager with one tracer per block, registered depth
// first so that a parent tracer always precedes its children.
func (l *ConfigLoader) Load(text string) (*TracerManager, error) {
	blocks, err := l.Parse(text)
	if err != nil {
		return nil, err
	}
	m := NewTracerManager(l.ManagerOptions...)
	for _, b := range blocks {
		if err := l.addBlock(m, b, nil, 0); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LoadFile reads and loads a rules file.
func (l *ConfigLoader) LoadFile(path string) (*TracerManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return l.Load(string(data))
}

func (l *ConfigLoader) addBlock(m *TracerManager, b RuleBlock, parent *Tracer, depth int) error {
	opts, err := BlockTracerOptions(b.Rules)
	if err != nil {
		return err
	}
	if parent != nil {
		opts = append(opts, WithParent(parent))
	}
	var h Handler = PrintHandler{}
	if l.NewHandler != nil {
		h = l.NewHandler(b, depth)
	}
	t, err := NewTracer(h, opts...)
	if err != nil {
		return err
	}
	m.AddTracer(t)
	for _, c := range b.Children {
		if err := l.addBlock(m, c, t, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// BlockTracerOptions converts the rules of a block into tracer options. "events:" rules list the
// accepted kinds, every other rule is a watch rule.
func BlockTracerOptions(rules []string) ([]TracerOption, error) {
	var kinds []EventKind
	var watch []string
	for _, r := range rules {
		if names, ok := strings.CutPrefix(r, eventsRulePrefix); ok {
			parsed, err := ParseEventKinds(strings.Split(names, ","))
			if err != nil {
				return nil, err
			}
			kinds = append(kinds, parsed...)
		} else {
			watch = append(watch, r)
		}
	}
	opts := []TracerOption{WithWatch(watch...)}
	if len(kinds) > 0 {
		opts = append(opts, WithEvents(kinds...))
	}
	return opts, nil
}
