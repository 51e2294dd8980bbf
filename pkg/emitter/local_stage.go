package emitter

import (
	"context"
	"os"
	"time"

	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/wire"
)

const localPollInterval = 200 * time.Millisecond

// runLocalFallbackStage implements spec.md §4.10 transition 4: failed_tasks
// is strictly preferred over all_tasks (or, under OnlyFailed, is the only
// source), so every iteration tries a non-blocking pop off failed_tasks
// before falling through to the blocking merge of both.
func (p *Pipeline) runLocalFallbackStage(ctx context.Context, isShuttingDown func() bool) {
	for {
		if t, ok := p.failedTasks.TryPop(0); ok {
			p.handleLocalTask(ctx, t)

			continue
		}

		if isShuttingDown() && p.failedTasks.IsClosed() && p.localAgg.IsClosed() {
			return
		}

		popCtx, cancel := context.WithTimeout(ctx, localPollInterval)
		t, ok := p.localAgg.Pop(popCtx)
		cancel()

		if !ok {
			if p.localAgg.IsClosed() {
				return
			}

			continue
		}

		p.handleLocalTask(ctx, t)
	}
}

func (p *Pipeline) handleLocalTask(ctx context.Context, t *Task) {
	flags := t.LocalExecute.Flags

	argv := append([]string{flags.CompilerPath}, localCompileArgv(flags, p.cfg.Plugins, false)...)

	result, err := p.cfg.Runner.Run(ctx, compiler.RunSpec{
		Argv:   argv,
		Dir:    t.LocalExecute.CurrentDir,
		UserID: t.LocalExecute.UserID,
	})
	if err != nil {
		p.respond(t.Conn, wire.Status{Code: wire.StatusExecution, Description: err.Error()})

		return
	}

	if result.ExitCode != 0 {
		p.respond(t.Conn, wire.Status{Code: wire.StatusExecution, Description: string(result.Stderr)})

		return
	}

	entry := p.collectLocalOutputs(t)

	if p.cfg.Cache != nil && len(t.HandledSource) > 0 {
		simpleFlags := wireFlagsToFingerprint(flags, false)
		p.cfg.Cache.StoreSimple(ctx, t.HandledSource, simpleFlags, p.cfg.CompilerVersion, entry)
		p.storeDirectAfterCompile(ctx, t, t.HandledSource, entry)
	}

	p.respond(t.Conn, wire.Status{Code: wire.StatusOK, Description: string(result.Stderr)})
}

// collectLocalOutputs reads back the object/deps files the compiler just
// wrote to disk (localCompileArgv always passes an explicit -o for the
// local-compile path), so they can be stored in the simple cache.
func (p *Pipeline) collectLocalOutputs(t *Task) artifactcache.Entry {
	var entry artifactcache.Entry

	flags := t.LocalExecute.Flags

	if flags.Output != "" {
		if data, err := os.ReadFile(resolveOutputPath(t.LocalExecute.CurrentDir, flags.Output)); err == nil {
			entry.Object = data
		}
	}

	if flags.DepsFile != "" {
		if data, err := os.ReadFile(resolveOutputPath(t.LocalExecute.CurrentDir, flags.DepsFile)); err == nil {
			entry.Deps = data
		}
	}

	return entry
}
