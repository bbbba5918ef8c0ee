package cmd

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/PatchLens/go-trace-lens/lens"
)

// InstrumentConfig holds the options of the lensinstrument tool.
type InstrumentConfig struct {
	ProjectDir string
	Diff       bool
	Restore    bool
	Skip       []string // path patterns matched against project relative paths and base names
	// Computed fields
	AbsProjDir, ModulePath string
}

// ParseInstrumentFlags builds the InstrumentConfig from the command line.
func ParseInstrumentFlags() (*InstrumentConfig, error) {
	projectDir := flag.String("project", "", "Path to the project directory to instrument")
	diff := flag.Bool("diff", false, "Print the instrumentation diff without changing any file")
	restore := flag.Bool("restore", false, "Restore the original files of an instrumented project")
	skip := flag.String("skip", "", "Comma separated path patterns to leave uninstrumented (e.g. internal/gen,*_string.go)")

	flag.Parse()

	if *projectDir == "" {
		return nil, errors.New("usage: -project ../foo [-diff] [-skip pattern,...]\nrestore usage: -project ../foo -restore")
	} else if *diff && *restore {
		return nil, errors.New("-diff and -restore are mutually exclusive")
	}

	config := &InstrumentConfig{
		ProjectDir: *projectDir,
		Diff:       *diff,
		Restore:    *restore,
		Skip:       splitList(*skip),
	}
	if err := config.prepare(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *InstrumentConfig) prepare() error {
	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	}
	c.AbsProjDir = absProjDir
	for _, pattern := range c.Skip {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid skip pattern %q: %w", pattern, err)
		}
	}
	if c.Restore {
		return nil
	}

	modPath, err := lens.ModulePath(absProjDir)
	if err != nil {
		return err
	}
	c.ModulePath = modPath
	return nil
}

// SkipPath reports if the path should be left uninstrumented. The lens package itself is always
// skipped when instrumenting this module.
func (c *InstrumentConfig) SkipPath(path string) bool {
	rel, err := filepath.Rel(c.AbsProjDir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if c.ModulePath == lens.LensModulePath && (rel == "lens" || strings.HasPrefix(rel, "lens/")) {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range c.Skip {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		} else if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// MonitorConfig holds the options of the lensmonitor tool.
type MonitorConfig struct {
	Host      string
	Port      int
	RulesFile string
	OutFile   string // trace output is also appended here when set
	Events    []lens.EventKind
	Watch     []string
}

// ParseMonitorFlags builds the MonitorConfig from the command line.
func ParseMonitorFlags() (*MonitorConfig, error) {
	host := flag.String("host", "127.0.0.1", "Address to bind the monitor to")
	port := flag.Int("port", 8448, "Port to receive forwarded events on, 0 selects a free port")
	rulesFile := flag.String("rules", "", "Rules file configuring the tracers, replaces -events and -watch")
	outFile := flag.String("out", "", "File to also append trace output to")
	events := flag.String("events", "", "Comma separated event kinds to trace: call, line, return, exception (default all)")
	watch := flag.String("watch", "", "Comma separated watch rules (e.g. app.Service,not:app.Service.debug)")

	flag.Parse()

	if *port < 0 || *port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", *port)
	} else if *rulesFile != "" && (*events != "" || *watch != "") {
		return nil, errors.New("-rules can not be combined with -events or -watch")
	}

	config := &MonitorConfig{
		Host:      *host,
		Port:      *port,
		RulesFile: *rulesFile,
		OutFile:   *outFile,
		Watch:     splitList(*watch),
	}
	if *events != "" {
		kinds, err := lens.ParseEventKinds(splitList(*events))
		if err != nil {
			return nil, err
		}
		config.Events = kinds
	}
	if config.RulesFile != "" && !lens.FileExists(config.RulesFile) {
		return nil, fmt.Errorf("rules file not found: %s", config.RulesFile)
	}
	for _, rule := range config.Watch {
		if _, err := lens.ParseWatchRule(rule); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func splitList(s string) []string {
	var values []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
