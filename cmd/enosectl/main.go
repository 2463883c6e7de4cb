// Command enosectl loads an experiment program and drives the engine
// through it, streaming progress as NDJSON to stdout the same way the
// teacher's root main.go streams crawl results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
)

func main() {
	var (
		programPath   string
		dryRun        bool
		persistPath   string
		snapshotEvery time.Duration
	)
	flag.StringVar(&programPath, "program", "", "Path to a YAML experiment program")
	flag.BoolVar(&dryRun, "dry-run", true, "Use in-process fake hardware links instead of dialing real ones")
	flag.StringVar(&persistPath, "store", "", "Path to an NDJSON persistence log (empty = in-memory only)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 5*time.Second, "Interval between status snapshots printed to stderr (0=disabled)")
	flag.Parse()

	if programPath == "" {
		log.Fatal("enosectl: -program is required")
	}
	raw, err := os.ReadFile(programPath)
	if err != nil {
		log.Fatalf("enosectl: read program: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.DryRun = dryRun
	if persistPath != "" {
		cfg.Spec.Persistence.Driver = "file"
		cfg.Spec.Persistence.DSN = persistPath
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("enosectl: create engine: %v", err)
	}
	eng.Start()
	defer func() { _ = eng.Stop() }()

	if _, err := eng.LoadProgramYAML(raw); err != nil {
		log.Fatalf("enosectl: load program: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("enosectl: signal received, aborting run")
		_ = eng.AbortRun()
		<-sigCh
		log.Println("enosectl: second signal received, forcing exit")
		os.Exit(1)
	}()

	sub := eng.Events(256, events.CategoryRun, events.CategoryStep, events.CategoryHealth, events.CategoryConsumable)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	runFinished := make(chan struct{})
	go func() {
		enc := json.NewEncoder(os.Stdout)
		for ev := range sub.Events() {
			if err := enc.Encode(ev); err != nil {
				log.Printf("enosectl: encode event: %v", err)
			}
			if ev.Category == events.CategoryRun {
				switch ev.Name {
				case "RunCompleted", "RunAborted", "RunErrored":
					select {
					case <-runFinished:
					default:
						close(runFinished)
					}
				}
			}
		}
		close(done)
	}()

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				snap := eng.Snapshot()
				log.Printf("enosectl: state=%s queue_depth=%d peripheral=%+v", snap.RunnerState, snap.Recorder.QueueDepth, snap.Peripheral)
			}
		}()
	}

	runID, err := eng.StartRun(ctx)
	if err != nil {
		log.Fatalf("enosectl: start run: %v", err)
	}
	log.Printf("enosectl: run %s started", runID)

	select {
	case <-runFinished:
	case <-ctx.Done():
	}
	cancel()
	sub.Unsubscribe()
	<-done
}
