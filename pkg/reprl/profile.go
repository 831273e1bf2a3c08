// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reprl

import (
	"fmt"
)

// Outcome is the coarse classification of an execution result.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Crashed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Profile is a reference argument/environment producer for a known target
// engine, and knows which raw statuses that engine produces on a genuine
// crash as opposed to an ordinary script error.
type Profile struct {
	Name string
	// Flags are appended after the binary path in argv.
	Flags []string
	// crashStatuses are raw status words the engine produces when it
	// crashes (terminating signals, or engine-specific exit codes).
	crashStatuses []Status
}

var profiles = map[string]*Profile{
	"v8": {
		Name: "v8",
		Flags: []string{
			"--allow-natives-syntax",
			"--expose-gc",
			"--fuzzing",
			"--harmony-temporal",
		},
		// SIGTRAP, SIGABRT, SIGSEGV.
		crashStatuses: []Status{5, 6, 11},
	},
	"spidermonkey": {
		Name: "spidermonkey",
		Flags: []string{
			"--baseline-warmup-threshold=10",
			"--ion-warmup-threshold=100",
			"--ion-check-range-analysis",
			"--ion-extra-checks",
			"--fuzzing-safe",
			"--disable-oom-functions",
			"--reprl",
		},
		// The shell exits with code 1 on an assertion crash.
		crashStatuses: []Status{1 << 8},
	},
	"jsc": {
		Name: "jsc",
		Flags: []string{
			"--validateAsYouParse=true",
			"--useConcurrentJIT=false",
			"--thresholdForJITAfterWarmUp=10",
			"--thresholdForJITSoon=10",
			"--thresholdForOptimizeAfterWarmUp=100",
			"--thresholdForOptimizeAfterLongWarmUp=100",
			"--thresholdForOptimizeSoon=100",
			"--thresholdForFTLOptimizeAfterWarmUp=1000",
			"--future",
			"--enableWebAssembly=true",
			"--reprl",
		},
		crashStatuses: []Status{1 << 8, 6, 11},
	},
}

// ProfileByName returns the reference profile for a known engine.
func ProfileByName(name string) (*Profile, error) {
	p := profiles[name]
	if p == nil {
		return nil, fmt.Errorf("unknown target engine %q", name)
	}
	return p, nil
}

// Args builds the argv for the engine binary at bin.
func (p *Profile) Args(bin string) []string {
	return append([]string{bin}, p.Flags...)
}

// Classify maps a raw status word to an outcome for this engine.
func (p *Profile) Classify(s Status) Outcome {
	if s == 0 {
		return Succeeded
	}
	if s.TimedOut() {
		return TimedOut
	}
	for _, crash := range p.crashStatuses {
		if s == crash {
			return Crashed
		}
	}
	return Failed
}
