package emitter

import (
	"github.com/kalbasit/buildcache/pkg/wire"
)

// Task is one in-flight compilation request moving through the pipeline's
// queues (spec.md §4.10): the client connection it must eventually answer,
// the request it carries, and the preprocessed source once computed.
type Task struct {
	Conn          *wire.Conn
	LocalExecute  wire.LocalExecute
	HandledSource []byte

	// remoteAttempts counts dispatch attempts, purely for observability;
	// the pipeline does not cap retries beyond one pass through all_tasks.
	remoteAttempts int
}

func stripRemoteFlags(f wire.Flags) wire.Flags {
	stripped := f
	stripped.CompilerPath = ""
	stripped.Output = ""
	stripped.Input = ""
	stripped.NonCached = nil
	stripped.DepsFile = ""

	return stripped
}

func preprocessArgv(f wire.Flags) []string {
	argv := append([]string{}, f.Other...)
	argv = append(argv, "-E")

	if f.Language != "" {
		argv = append(argv, "-x", f.Language)
	}

	argv = append(argv, "-o", "-", f.Input)

	return argv
}

// localCompileArgv builds the argv for the local-fallback compile
// (spec.md §6 "Local compile run"). With remote set, the input is omitted
// and output is forced to "-"; the absorber does not use this function and
// builds its own argv with remoteCompileArgv.
func localCompileArgv(f wire.Flags, plugins []string, remote bool) []string {
	argv := append([]string{}, f.Other...)
	if f.Action != "" {
		argv = append(argv, f.Action)
	}

	argv = append(argv, f.NonCached...)
	argv = append(argv, f.NonDirect...)

	for _, p := range plugins {
		argv = append(argv, "-load", p)
	}

	if f.DepsFile != "" {
		argv = append(argv, "-MF", f.DepsFile)
	}

	if f.Language != "" {
		argv = append(argv, "-x", f.Language)
	}

	if remote {
		argv = append(argv, "-o", "-")
	} else if f.Output != "" {
		argv = append(argv, "-o", f.Output)
	}

	if !remote && f.Input != "" {
		argv = append(argv, f.Input)
	}

	return argv
}
