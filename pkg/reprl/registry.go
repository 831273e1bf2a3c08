// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reprl

import (
	"fmt"
	"sync"
	"time"

	"github.com/jsharness/reprl/pkg/cover"
)

// MaxWorkers bounds worker slot ids.
const MaxWorkers = 512

// Worker is one slot: an execution environment plus its coverage context.
// Slots are independent of each other; a single goroutine drives each slot,
// only the registry table itself is synchronized.
type Worker struct {
	ID  int
	Env *Env
	Cov *cover.Context

	cfg *Config
}

// Registry is the process-wide table of worker slots, keyed by id.
type Registry struct {
	mu      sync.Mutex
	workers map[int]*Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[int]*Worker)}
}

// Create initializes the slot id: a coverage context with its shared region
// and the execution environment with its data channels. The worker process
// itself starts on the slot's first execution.
func (r *Registry) Create(id int, cfg *Config) (*Worker, error) {
	if id < 0 || id >= MaxWorkers {
		return nil, fmt.Errorf("worker id %v out of range [0, %v)", id, MaxWorkers)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers[id] != nil {
		return nil, fmt.Errorf("worker %v already exists", id)
	}
	cov, err := cover.NewContext(id)
	if err != nil {
		return nil, err
	}
	env, err := MakeEnv(cfg, cov)
	if err != nil {
		cov.Close()
		return nil, err
	}
	w := &Worker{ID: id, Env: env, Cov: cov, cfg: cfg}
	r.workers[id] = w
	return w, nil
}

// Get returns the slot id, or nil if it was never created.
func (r *Registry) Get(id int) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

// Destroy terminates the slot's worker and releases its resources.
func (r *Registry) Destroy(id int) error {
	r.mu.Lock()
	w := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()
	if w == nil {
		return fmt.Errorf("worker %v does not exist", id)
	}
	w.Env.Close()
	return w.Cov.Close()
}

// Close destroys all slots.
func (r *Registry) Close() {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[int]*Worker)
	r.mu.Unlock()
	for _, w := range workers {
		w.Env.Close()
		w.Cov.Close()
	}
}

// Execute runs one script in this slot. After the first execution has
// populated the shared region's edge-count header, the coverage context is
// sized once; a cover.ConfigError from that step means the target is not
// instrumented and must be treated as fatal by the caller.
func (w *Worker) Execute(script []byte, timeout time.Duration, freshInstance bool) (Status, time.Duration, error) {
	status, elapsed, err := w.Env.Execute(script, timeout, freshInstance)
	if err != nil {
		return status, elapsed, err
	}
	if !w.Cov.Sized() {
		if err := w.Cov.FinishInitialization(w.cfg.TrackEdges); err != nil {
			return status, elapsed, err
		}
	}
	return status, elapsed, nil
}
