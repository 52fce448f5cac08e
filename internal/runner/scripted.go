package runner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedResult is a canned outcome for a scripted runner.
type ScriptedResult struct {
	Output    string
	SelfScore float64
	Err       error
	Delay     time.Duration
}

// ScriptedRunner returns canned results keyed by worker ID. Results for a
// worker are consumed in order; the last one repeats. Useful for driving
// deterministic executions without a live provider.
type ScriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]ScriptedResult
	calls   map[string]int
	// Default applies to workers with no script.
	Default ScriptedResult
}

// NewScriptedRunner creates an empty scripted runner. Unscripted workers
// succeed with a generic output and a self score of 0.9.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{
		scripts: make(map[string][]ScriptedResult),
		calls:   make(map[string]int),
		Default: ScriptedResult{Output: "done", SelfScore: 0.9},
	}
}

// Script appends canned results for a worker.
func (r *ScriptedRunner) Script(workerID string, results ...ScriptedResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[workerID] = append(r.scripts[workerID], results...)
}

// Calls reports how many times a worker has been executed.
func (r *ScriptedRunner) Calls(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[workerID]
}

func (r *ScriptedRunner) Execute(ctx context.Context, req *Request) (*Result, error) {
	r.mu.Lock()
	n := r.calls[req.WorkerID]
	r.calls[req.WorkerID] = n + 1
	script, ok := r.scripts[req.WorkerID]
	res := r.Default
	if ok && len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		res = script[n]
	}
	r.mu.Unlock()

	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res.Err != nil {
		return nil, fmt.Errorf("worker %s: %w", req.WorkerID, res.Err)
	}
	return &Result{Output: res.Output, SelfScore: res.SelfScore}, nil
}
