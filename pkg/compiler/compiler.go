// Package compiler defines the external-collaborator interfaces spec.md §1
// declines to implement (client-side flag parsing, the real compiler
// invocation) plus the default, production-facing implementation of the
// latter. Each interface follows the "Testable<T>" idiom of spec.md §9:
// one trait/interface, a real implementation here, and a fake
// implementation living alongside the tests that need it
// (pkg/compiler/fakerunner).
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/kalbasit/buildcache/pkg/wire"
)

// FlagParser turns a raw compiler invocation's argv into the cache-aware
// Flags categories of spec.md §6. Parsing the wide variety of real
// compiler command lines is explicitly out of scope (spec.md §1
// Non-goals); this interface exists so pkg/emitter can depend on the
// *shape* of the collaborator without depending on a concrete parser.
type FlagParser interface {
	Parse(argv []string) (wire.Flags, error)
}

// RunSpec describes one subprocess invocation (spec.md §6 "Subprocess
// protocol with real compiler").
type RunSpec struct {
	Argv   []string
	Dir    string
	UserID *uint32
	Stdin  []byte
}

// RunResult is the outcome of a RunSpec.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner spawns the real compiler. The default implementation uses
// os/exec; pkg/compiler/fakerunner backs emitter/absorber tests.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// ExecRunner is the production Runner, backed by os/exec.
type ExecRunner struct{}

// NewExecRunner returns the default Runner.
func NewExecRunner() ExecRunner { return ExecRunner{} }

// Run spawns spec.Argv[0] with the remaining argv, in spec.Dir, as
// spec.UserID when set, feeding spec.Stdin and capturing stdout/stderr.
// A non-zero exit is reported via RunResult.ExitCode, not as an error;
// Run's error return is reserved for failures to even start the process.
func (ExecRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(spec.Argv) == 0 {
		return RunResult{}, fmt.Errorf("compiler: empty argv")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	if spec.UserID != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: *spec.UserID},
		}
	}

	err := cmd.Run()

	result := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	if err != nil {
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()

			return result, nil
		}

		return result, fmt.Errorf("compiler: error starting subprocess: %w", err)
	}

	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError) //nolint:errorlint
	if !ok {
		return false
	}

	*target = ee

	return true
}
