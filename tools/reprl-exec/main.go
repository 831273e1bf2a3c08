// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// reprl-exec drives one worker slot: it executes the given script files in
// a persistent instrumented engine process and reports, per execution, the
// status and the number of previously unseen control-flow edges.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jsharness/reprl/pkg/cover"
	"github.com/jsharness/reprl/pkg/log"
	"github.com/jsharness/reprl/pkg/osutil"
	"github.com/jsharness/reprl/pkg/reprl"
	"github.com/jsharness/reprl/pkg/stat"
)

var (
	flagBin        = flag.String("bin", "", "path to the instrumented engine binary (required)")
	flagProfile    = flag.String("profile", "v8", "target engine profile (v8/spidermonkey/jsc)")
	flagTimeout    = flag.Duration("timeout", 5*time.Second, "per-execution timeout")
	flagStdout     = flag.Bool("stdout", false, "capture and print worker stdout")
	flagStderr     = flag.Bool("stderr", false, "capture and print worker stderr")
	flagTrack      = flag.Bool("track-edges", false, "track per-edge hit counts")
	flagSaveCov    = flag.String("save-coverage", "", "save the virgin bitmap to this file on exit")
	flagLoadCov    = flag.String("load-coverage", "", "load a previously saved virgin bitmap before executing")
	flagStats      = flag.Bool("stats", false, "print execution statistics on exit")
	flagFreshEvery = flag.Int("fresh-every", 0, "respawn the worker every N executions (0 = never)")
)

func main() {
	flag.Parse()
	if *flagBin == "" || flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: reprl-exec -bin /path/to/engine [flags] script.js...\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	prof, err := reprl.ProfileByName(*flagProfile)
	if err != nil {
		log.Fatal(err)
	}
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	osutil.IgnoreSIGPIPE()
	cfg := &reprl.Config{
		Args:          prof.Args(*flagBin),
		Env:           os.Environ(),
		CaptureStdout: *flagStdout,
		CaptureStderr: *flagStderr,
		TrackEdges:    *flagTrack,
	}
	registry := reprl.NewRegistry()
	defer registry.Close()
	worker, err := registry.Create(0, cfg)
	if err != nil {
		log.Fatal(err)
	}

	if *flagLoadCov != "" {
		// Sizing happens after the first execution, prime the worker with
		// an empty script so the loaded bitmap can be validated against it.
		if _, _, err := worker.Execute(nil, *flagTimeout, false); err != nil {
			failOn(err)
		}
		worker.Cov.Evaluate() // discard priming coverage
		found, err := worker.Cov.LoadVirginBits(*flagLoadCov)
		if err != nil {
			failOn(err)
		}
		log.Logf(0, "loaded coverage: %v edges already discovered", found)
	}

	var avgExecTime stat.AverageValue[time.Duration]
loop:
	for i, file := range flag.Args() {
		select {
		case <-shutdown:
			log.Logf(0, "interrupted, stopping after %v executions", i)
			break loop
		default:
		}
		script, err := os.ReadFile(file)
		if err != nil {
			log.Fatal(err)
		}
		fresh := *flagFreshEvery > 0 && i > 0 && i%*flagFreshEvery == 0
		status, elapsed, err := worker.Execute(script, *flagTimeout, fresh)
		if err != nil {
			var cfgErr cover.ConfigError
			if errors.As(err, &cfgErr) {
				log.Fatalf("fatal configuration error: %v", cfgErr)
			}
			// Spawn and transient IO failures leave the slot respawnable,
			// report and move on to the next script.
			log.Errorf("%v: %v", file, err)
			continue
		}
		avgExecTime.Save(elapsed)
		newEdges := worker.Cov.Evaluate()
		for _, idx := range newEdges {
			worker.Cov.SetEdgeData(idx)
		}
		log.Logf(0, "%v: %v (%v) in %v, %v new edges, %v total",
			file, prof.Classify(status), status, elapsed, len(newEdges), worker.Cov.FoundEdges())
		if out := worker.Env.FetchStdout(); len(out) != 0 {
			log.Logf(1, "stdout:\n%s", out)
		}
		if out := worker.Env.FetchStderr(); len(out) != 0 {
			log.Logf(1, "stderr:\n%s", out)
		}
	}

	if *flagSaveCov != "" {
		if err := os.MkdirAll(filepath.Dir(*flagSaveCov), osutil.DefaultDirPerm); err != nil {
			log.Fatal(err)
		}
		found, err := worker.Cov.SaveVirginBits(*flagSaveCov)
		if err != nil {
			failOn(err)
		}
		log.Logf(0, "saved coverage: %v edges discovered", found)
	}
	if *flagStats {
		log.Logf(0, "avg exec time: %v", avgExecTime.Value())
		for _, ui := range stat.Collect() {
			log.Logf(0, "%v: %v", ui.Name, ui.Value)
		}
	}
}

// failOn terminates the process on errors that are unsafe to continue past:
// coverage misconfiguration corrupts accounting if ignored, and anything
// else at this level means the slot is unusable.
func failOn(err error) {
	if err == nil {
		return
	}
	var cfgErr cover.ConfigError
	if errors.As(err, &cfgErr) {
		log.Fatalf("fatal configuration error: %v", cfgErr)
	}
	log.Fatal(err)
}
