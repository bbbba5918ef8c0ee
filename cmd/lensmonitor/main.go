package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PatchLens/go-trace-lens/lens"
	"github.com/PatchLens/go-trace-lens/lens/cmd"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseMonitorFlags()
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	server, err := lens.StartMonitorServer(config.Host, config.Port)
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	var outFile *os.File
	if config.OutFile != "" {
		if outFile, err = os.OpenFile(config.OutFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err != nil {
			_ = server.Stop(context.Background())
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		defer func() { _ = outFile.Close() }()
	}
	var out *lens.OutlineWriter
	if outFile != nil {
		out = lens.NewOutlineWriter(os.Stdout, outFile)
	} else {
		out = lens.NewOutlineWriter(os.Stdout)
	}

	manager, err := newManager(config, server, out)
	if err != nil {
		_ = server.Stop(context.Background())
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
	log.Printf("Set %s=%s in the instrumented program's environment", lens.MonitorEnvVar, server.URL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Enable()
	<-ctx.Done()
	manager.Disable()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("%sMonitor shutdown error: %v", lens.ErrorLogPrefix, err)
	}
	log.Printf("Received %d events", server.Received())
}

// newManager builds the tracers from the rules file, or a single outlining stack tracer from the
// event and watch flags.
func newManager(config *cmd.MonitorConfig, server *lens.MonitorServer, out io.Writer) (*lens.TracerManager, error) {
	if config.RulesFile != "" {
		loader := lens.ConfigLoader{
			NewHandler: func(lens.RuleBlock, int) lens.Handler {
				return lens.PrintHandler{Out: out}
			},
			ManagerOptions: []lens.ManagerOption{lens.WithSource(server)},
		}
		return loader.LoadFile(config.RulesFile)
	}

	tracerOpts := []lens.TracerOption{lens.WithWatch(config.Watch...)}
	if len(config.Events) > 0 {
		tracerOpts = append(tracerOpts, lens.WithEvents(config.Events...))
	}
	st, err := lens.NewStackTracer(lens.NopHandler{}, lens.WithOutline(out), lens.WithTracerOptions(tracerOpts...))
	if err != nil {
		return nil, err
	}
	return lens.NewTracerManager(lens.WithSource(server), lens.WithObservers(st)), nil
}
