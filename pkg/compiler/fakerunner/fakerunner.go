// Package fakerunner provides a compiler.Runner test double: a scripted
// sequence of responses keyed by call order, so pkg/emitter's tests can
// drive the local-fallback and preprocessing stages without spawning a
// real compiler.
package fakerunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalbasit/buildcache/pkg/compiler"
)

// Call records one invocation observed by the Runner.
type Call struct {
	Spec compiler.RunSpec
}

// Runner is a scripted compiler.Runner. Results are consumed in order;
// calling Run more times than there are scripted Results returns an error.
type Runner struct {
	mu      sync.Mutex
	Results []compiler.RunResult
	Calls   []Call
}

// New creates a Runner that returns results in order.
func New(results ...compiler.RunResult) *Runner {
	return &Runner{Results: results}
}

// Run records spec and returns the next scripted result.
func (r *Runner) Run(_ context.Context, spec compiler.RunSpec) (compiler.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls = append(r.Calls, Call{Spec: spec})

	if len(r.Results) == 0 {
		return compiler.RunResult{}, fmt.Errorf("fakerunner: no more scripted results for argv %v", spec.Argv)
	}

	result := r.Results[0]
	r.Results = r.Results[1:]

	return result, nil
}

// CallCount returns how many times Run has been invoked.
func (r *Runner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.Calls)
}
