package main

import (
	"fmt"
	"log"

	"github.com/PatchLens/go-trace-lens/lens"
	"github.com/PatchLens/go-trace-lens/lens/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseInstrumentFlags()
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	if config.Restore {
		restored, err := lens.RestoreDir(config.AbsProjDir)
		if err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		log.Printf("Restored %d files", restored)
		return
	}

	if config.ModulePath != lens.LensModulePath {
		if _, ok, err := lens.ModuleRequires(config.AbsProjDir, lens.LensModulePath); err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		} else if !ok {
			log.Printf("%s%s does not require %s, run `go get %s` before building",
				lens.ErrorLogPrefix, config.ModulePath, lens.LensModulePath, lens.LensModulePath)
		}
	}

	instrumenter := &lens.Instrumenter{}
	funcCount, err := instrumenter.InstrumentDir(config.AbsProjDir, config.SkipPath)
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
	log.Printf("Instrumented %d functions in %d files", funcCount, instrumenter.PendingFiles())

	if config.Diff {
		for _, path := range instrumenter.PendingPaths() {
			diff, err := instrumenter.Diff(path)
			if err != nil {
				log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
			}
			fmt.Print(diff)
		}
		return
	}
	if err := instrumenter.Commit(); err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
	log.Printf("Set %s to forward trace events from the instrumented program", lens.MonitorEnvVar)
}
