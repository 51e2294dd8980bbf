// Package emitter implements C10: the emitter pipeline state machine
// (spec.md §4.10) built on the file cache (C4), queues (C5/C6), worker
// pool (C7), wire protocol (C8) and balancer (C9).
package emitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/balancer"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/fingerprint"
	"github.com/kalbasit/buildcache/pkg/queue"
	"github.com/kalbasit/buildcache/pkg/queue/aggregate"
	"github.com/kalbasit/buildcache/pkg/statspublisher"
	"github.com/kalbasit/buildcache/pkg/wire"
	"github.com/kalbasit/buildcache/pkg/workerpool"
)

// Config configures a Pipeline.
type Config struct {
	// Cache is nil when the cache stage is disabled: tasks go straight to
	// all_tasks (spec.md §4.10 transition 1).
	Cache *artifactcache.Cache

	// CompilerVersion/FullVersion are forwarded to the cache lookups and
	// stores, which use them for HandledHash/UnhandledHash.
	CompilerVersion     string
	CompilerFullVersion string

	Balancer *balancer.Balancer

	// RemoteWorkers is the number of dispatch threads per spec.md §4.10
	// transition 3 ("N threads, one per remote"); this spec spawns
	// RemoteWorkers goroutines total, each free to pick any remote via
	// Balancer.
	RemoteWorkers int

	// LocalWorkers is M in spec.md §4.10 transition 4.
	LocalWorkers int

	// OnlyFailed routes only failed_tasks into local_tasks, never all_tasks
	// (spec.md §4.10, §9 Open Question — resolved as a validation error
	// when combined with no remotes, see ErrOnlyFailedNeedsRemote).
	OnlyFailed bool

	Runner  compiler.Runner
	Plugins []string

	Stats *statspublisher.Client

	QueueCapacity int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Pipeline runs the emitter state machine over Config's collaborators.
type Pipeline struct {
	cfg Config

	cacheTasks  *queue.Queue[*Task]
	allTasks    *queue.Queue[*Task]
	failedTasks *queue.Queue[*Task]
	localAgg    *aggregate.Aggregator[*Task]

	pool *workerpool.Pool
}

// New validates cfg and builds a Pipeline. It does not start any worker
// goroutines; call Start for that.
func New(cfg Config) (*Pipeline, error) {
	if cfg.OnlyFailed && cfg.Balancer == nil {
		return nil, ErrOnlyFailedNeedsRemote
	}

	if cfg.Runner == nil {
		cfg.Runner = compiler.NewExecRunner()
	}

	p := &Pipeline{
		cfg:         cfg,
		cacheTasks:  queue.New[*Task](cfg.QueueCapacity),
		allTasks:    queue.New[*Task](cfg.QueueCapacity),
		failedTasks: queue.New[*Task](cfg.QueueCapacity),
		pool:        workerpool.New(),
	}

	if cfg.OnlyFailed {
		p.localAgg = aggregate.New(p.failedTasks)
	} else {
		p.localAgg = aggregate.New(p.failedTasks, p.allTasks)
	}

	return p, nil
}

// Ingress validates and admits a LocalExecute request (spec.md §4.10
// transition 1).
func (p *Pipeline) Ingress(conn *wire.Conn, msg wire.LocalExecute) error {
	if msg.Flags.Input == "" {
		return fmt.Errorf("emitter: LocalExecute missing input")
	}

	t := &Task{Conn: conn, LocalExecute: msg}

	q := p.allTasks
	if p.cfg.Cache != nil {
		q = p.cacheTasks
	}

	if !q.Push(t, 0) {
		return fmt.Errorf("emitter: task queue is full or closed")
	}

	return nil
}

// Start spawns the cache, remote and local-fallback stages.
func (p *Pipeline) Start(ctx context.Context) {
	if p.cfg.Cache != nil {
		p.pool.AddWorker(func(isShuttingDown func() bool) {
			p.runCacheStage(ctx, isShuttingDown)
		}, 1)
	}

	if p.cfg.Balancer != nil {
		p.pool.AddWorker(func(isShuttingDown func() bool) {
			p.runRemoteStage(ctx, isShuttingDown)
		}, max(p.cfg.RemoteWorkers, 1))
	}

	p.pool.AddWorker(func(isShuttingDown func() bool) {
		p.runLocalFallbackStage(ctx, isShuttingDown)
	}, max(p.cfg.LocalWorkers, 1))
}

// Shutdown closes every queue (waking blocked poppers) and waits for every
// stage goroutine to drain, per spec.md §5 "Cancellation".
func (p *Pipeline) Shutdown() {
	p.cacheTasks.Close()
	p.allTasks.Close()
	p.failedTasks.Close()
	p.localAgg.Close()

	p.pool.Shutdown(workerpool.Graceful)
}

func (p *Pipeline) respond(conn *wire.Conn, status wire.Status) {
	if err := conn.SendSyncWithStatus(status); err != nil {
		zerolog.Ctx(context.Background()).Debug().Err(err).Msg("emitter: failed to send response")
	}
}

func wireFlagsToFingerprint(f wire.Flags, direct bool) fingerprint.Flags {
	ff := fingerprint.Flags{
		Other:     f.Other,
		Language:  f.Language,
		CCOnly:    f.CCOnly,
		NonCached: f.NonCached,
	}

	if direct && f.Input != "" {
		ff.InputDir = filepath.Dir(f.Input)
	}

	return ff
}

func cacheEntryFromResult(result wire.RemoteResult) artifactcache.Entry {
	return artifactcache.Entry{Object: result.Obj, Deps: result.Deps}
}

func resolveOutputPath(currentDir, output string) string {
	if filepath.IsAbs(output) {
		return output
	}

	return filepath.Join(currentDir, output)
}

func writeOutputAndChown(path string, data []byte, userID *uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:mnd
		return fmt.Errorf("emitter: error creating output directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("emitter: error writing output: %w", err)
	}

	if userID != nil {
		if err := os.Chown(path, int(*userID), -1); err != nil {
			return fmt.Errorf("emitter: error changing output ownership: %w", err)
		}
	}

	return nil
}
