package emitter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kalbasit/buildcache/pkg/balancer"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/statspublisher"
	"github.com/kalbasit/buildcache/pkg/wire"
)

// runRemoteStage implements spec.md §4.10 transition 3: dispatch every
// all_tasks item to a balancer-picked remote, pushing failures onto
// failed_tasks for the local-fallback stage to pick up.
func (p *Pipeline) runRemoteStage(ctx context.Context, _ func() bool) {
	for {
		t, ok := p.allTasks.Pop(0)
		if !ok {
			return
		}

		p.handleRemoteTask(ctx, t)
	}
}

func (p *Pipeline) handleRemoteTask(ctx context.Context, t *Task) {
	t.remoteAttempts++

	// The cache stage is what normally preprocesses a task and fills in
	// HandledSource; with no cache configured, Ingress pushes straight to
	// all_tasks and this is the first chance to do it (spec.md §4.10
	// transition 3, "if handled_source is missing, preprocess").
	if len(t.HandledSource) == 0 {
		if !p.preprocessForRemote(ctx, t) {
			p.failedTasks.Push(t, 0)

			return
		}
	}

	endpoint, ok := p.cfg.Balancer.Pick(0, false)
	if !ok {
		p.failedTasks.Push(t, 0)

		return
	}

	conn, err := wire.Dial(ctx, "tcp", endpoint.Address(), p.cfg.DialTimeout, p.cfg.ReadTimeout, p.cfg.WriteTimeout)
	if err != nil {
		p.failRemote(ctx, endpoint, t, err)

		return
	}

	defer conn.Close() //nolint:errcheck

	req := wire.RemoteExecute{Flags: stripRemoteFlags(t.LocalExecute.Flags), Source: t.HandledSource}

	if err := conn.WriteSync(wire.Universal{RemoteExecute: &req}); err != nil {
		p.failRemote(ctx, endpoint, t, err)

		return
	}

	resp, err := conn.ReadSync()
	if err != nil {
		p.failRemote(ctx, endpoint, t, err)

		return
	}

	switch {
	case resp.RemoteResult != nil:
		endpoint.Release(true)
		p.publish(ctx, statspublisher.EventRemoteSuccess, endpoint.Address())
		p.storeAndRespond(ctx, t, *resp.RemoteResult)
	case resp.Status != nil && resp.Status.Code == wire.StatusOverload:
		endpoint.Release(false)
		p.allTasks.Push(t, 0)
	default:
		p.failRemote(ctx, endpoint, t, nil)
	}
}

// failRemote records a failed dispatch against the endpoint's breaker and
// routes the task to failed_tasks. It logs the endpoint's resulting breaker
// state so an operator can see a remote trip from the emitter's own log
// stream instead of only from the balancer skipping it silently.
func (p *Pipeline) failRemote(ctx context.Context, endpoint balancer.EndPoint, t *Task, cause error) {
	endpoint.Release(false)
	p.publish(ctx, statspublisher.EventRemoteFailure, endpoint.Address())

	zerolog.Ctx(context.Background()).Debug().
		Err(cause).
		Str("remote", endpoint.Address()).
		Str("breaker_state", endpoint.BreakerState()).
		Msg("emitter: remote dispatch failed")

	p.failedTasks.Push(t, 0)
}

// preprocessForRemote runs the task's command through the local compiler's
// preprocess-only invocation so a cache-disabled emitter can still ship a
// real Source to the remote (spec.md §4.10 transition 3). It returns false
// if preprocessing fails, in which case the task is routed to local
// fallback rather than dispatched with an empty Source.
func (p *Pipeline) preprocessForRemote(ctx context.Context, t *Task) bool {
	flags := t.LocalExecute.Flags

	result, err := p.cfg.Runner.Run(ctx, compiler.RunSpec{
		Argv:   append([]string{flags.CompilerPath}, preprocessArgv(flags)...),
		Dir:    t.LocalExecute.CurrentDir,
		UserID: t.LocalExecute.UserID,
	})
	if err != nil || result.ExitCode != 0 {
		return false
	}

	t.HandledSource = result.Stdout

	return true
}

func (p *Pipeline) storeAndRespond(ctx context.Context, t *Task, result wire.RemoteResult) {
	entry := cacheEntryFromResult(result)

	if p.cfg.Cache != nil && len(t.HandledSource) > 0 {
		flags := wireFlagsToFingerprint(t.LocalExecute.Flags, false)
		p.cfg.Cache.StoreSimple(ctx, t.HandledSource, flags, p.cfg.CompilerVersion, entry)
		p.storeDirectAfterCompile(ctx, t, t.HandledSource, entry)
	}

	p.respondWithEntry(t, entry)
}
