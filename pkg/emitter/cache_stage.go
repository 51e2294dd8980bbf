package emitter

import (
	"context"
	"os"

	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/fingerprint"
	"github.com/kalbasit/buildcache/pkg/statspublisher"
	"github.com/kalbasit/buildcache/pkg/wire"
)

// runCacheStage implements spec.md §4.10 transition 1/2: every admitted
// task is checked against the direct and simple caches before it is
// allowed onto all_tasks.
func (p *Pipeline) runCacheStage(ctx context.Context, _ func() bool) {
	for {
		t, ok := p.cacheTasks.Pop(0)
		if !ok {
			return
		}

		p.handleCacheTask(ctx, t)
	}
}

func (p *Pipeline) handleCacheTask(ctx context.Context, t *Task) {
	flags := t.LocalExecute.Flags
	inputPath := resolveOutputPath(t.LocalExecute.CurrentDir, flags.Input)

	directFlags := wireFlagsToFingerprint(flags, true)

	if entry, err := p.cfg.Cache.FindDirect(ctx, inputPath, directFlags, p.cfg.CompilerVersion, p.cfg.CompilerFullVersion); err == nil {
		p.publish(ctx, statspublisher.EventCacheHit, "")
		p.respondWithEntry(t, entry)

		return
	}

	rawSource, err := os.ReadFile(inputPath)
	if err != nil {
		p.allTasks.Push(t, 0)

		return
	}

	preprocessSpec := compiler.RunSpec{
		Argv:   append([]string{flags.CompilerPath}, preprocessArgv(flags)...),
		Dir:    t.LocalExecute.CurrentDir,
		UserID: t.LocalExecute.UserID,
	}

	result, err := p.cfg.Runner.Run(ctx, preprocessSpec)
	if err != nil || result.ExitCode != 0 {
		p.allTasks.Push(t, 0)

		return
	}

	t.HandledSource = result.Stdout

	simpleFlags := wireFlagsToFingerprint(flags, false)

	if entry, err := p.cfg.Cache.FindSimple(ctx, t.HandledSource, simpleFlags, p.cfg.CompilerVersion); err == nil {
		p.publish(ctx, statspublisher.EventCacheHit, "")
		p.respondWithEntry(t, entry)

		p.warmDirectCache(ctx, rawSource, directFlags, simpleFlags, t.HandledSource, entry)

		return
	}

	p.publish(ctx, statspublisher.EventCacheMiss, "")
	p.allTasks.Push(t, 0)
}

// warmDirectCache records a direct-cache entry for inputPath once a
// simple-cache hit reveals the handled hash, using the header list from
// the deps file if the client asked for one (spec.md §4.4 "opportunistic
// direct-cache population").
func (p *Pipeline) warmDirectCache(
	ctx context.Context,
	rawSource []byte,
	directFlags, simpleFlags fingerprint.Flags,
	handledSource []byte,
	entry artifactcache.Entry,
) {
	headers := parseDepsHeaders(entry.Deps)
	if headers == nil {
		return
	}

	handledHash := fingerprint.HandledHash(handledSource, simpleFlags, p.cfg.CompilerVersion)

	p.cfg.Cache.StoreDirect(ctx, rawSource, directFlags, p.cfg.CompilerVersion, p.cfg.CompilerFullVersion, headers, handledHash)
}

// storeDirectAfterCompile is warmDirectCache's counterpart for the
// remote-dispatch and local-fallback success paths (spec.md §4.10
// transitions 3/4): a simple-cache store after a fresh compile must also
// populate the direct cache so a later rebuild of the same unhandled
// source can direct-hit, exactly as a simple-cache hit already does.
func (p *Pipeline) storeDirectAfterCompile(ctx context.Context, t *Task, handledSource []byte, entry artifactcache.Entry) {
	headers := parseDepsHeaders(entry.Deps)
	if headers == nil {
		return
	}

	flags := t.LocalExecute.Flags

	rawSource, err := os.ReadFile(resolveOutputPath(t.LocalExecute.CurrentDir, flags.Input))
	if err != nil {
		return
	}

	directFlags := wireFlagsToFingerprint(flags, true)
	simpleFlags := wireFlagsToFingerprint(flags, false)

	handledHash := fingerprint.HandledHash(handledSource, simpleFlags, p.cfg.CompilerVersion)

	p.cfg.Cache.StoreDirect(ctx, rawSource, directFlags, p.cfg.CompilerVersion, p.cfg.CompilerFullVersion, headers, handledHash)
}

func (p *Pipeline) respondWithEntry(t *Task, entry artifactcache.Entry) {
	if t.LocalExecute.Flags.Output != "" && len(entry.Object) > 0 {
		path := resolveOutputPath(t.LocalExecute.CurrentDir, t.LocalExecute.Flags.Output)
		if err := writeOutputAndChown(path, entry.Object, t.LocalExecute.UserID); err != nil {
			p.respond(t.Conn, wire.Status{Code: wire.StatusExecution, Description: err.Error()})

			return
		}
	}

	if t.LocalExecute.Flags.DepsFile != "" && len(entry.Deps) > 0 {
		path := resolveOutputPath(t.LocalExecute.CurrentDir, t.LocalExecute.Flags.DepsFile)
		if err := writeOutputAndChown(path, entry.Deps, t.LocalExecute.UserID); err != nil {
			p.respond(t.Conn, wire.Status{Code: wire.StatusExecution, Description: err.Error()})

			return
		}
	}

	p.respond(t.Conn, wire.Status{Code: wire.StatusOK, Description: string(entry.Stderr)})
}

func (p *Pipeline) publish(ctx context.Context, kind statspublisher.EventKind, remote string) {
	if p.cfg.Stats == nil {
		return
	}

	p.cfg.Stats.Publish(ctx, kind, remote)
}
