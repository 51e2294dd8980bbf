// Package balancer implements C9: round-robin remote selection with a
// per-remote in-flight cap, shard-hint bias, and circuit-breaker-based
// failure skipping layered on top of spec.md's saturation check.
package balancer

import (
	"sync/atomic"
	"time"

	"github.com/kalbasit/buildcache/pkg/circuitbreaker"
)

// RemoteConfig describes one configured peer daemon before it is wired
// into a Balancer.
type RemoteConfig struct {
	// Address is the already-resolved dial target (host:port or similar).
	Address string

	// Threads is the maximum number of in-flight requests this remote will
	// accept concurrently.
	Threads int

	// Shard optionally associates this remote with a shard id for
	// shard-hint biasing in Pick.
	Shard    uint64
	HasShard bool
}

type remote struct {
	cfg      RemoteConfig
	inFlight atomic.Int64
	breaker  *circuitbreaker.CircuitBreaker
}

// EndPoint is returned by Pick; Release must be called exactly once when
// the dispatch to it completes, reporting success or failure so the
// circuit breaker can track it.
type EndPoint struct {
	remote *remote
}

// Address returns the dial target.
func (e EndPoint) Address() string { return e.remote.cfg.Address }

// BreakerState reports this remote's circuit breaker disposition, for
// logging/metrics at the dispatch call site.
func (e EndPoint) BreakerState() string { return e.remote.breaker.State().String() }

// Release decrements the in-flight count and records the outcome against
// the remote's circuit breaker. Every successful Pick must be matched by
// exactly one Release.
func (e EndPoint) Release(success bool) {
	e.remote.inFlight.Add(-1)

	if success {
		e.remote.breaker.RecordSuccess()
	} else {
		e.remote.breaker.RecordFailure()
	}
}

// Balancer picks among a fixed set of remotes in round-robin order,
// skipping any that are saturated (spec.md §4.9) or circuit-broken
// (this spec's extension, §4.9 of SPEC_FULL.md).
type Balancer struct {
	remotes []*remote
	next    atomic.Uint64
}

// New builds a Balancer over cfgs, each given its own circuit breaker with
// the given consecutive-failure threshold and open-timeout.
func New(cfgs []RemoteConfig, breakerThreshold int, breakerOpenTimeout time.Duration) *Balancer {
	b := &Balancer{remotes: make([]*remote, len(cfgs))}

	for i, cfg := range cfgs {
		b.remotes[i] = &remote{
			cfg:     cfg,
			breaker: circuitbreaker.New(breakerThreshold, breakerOpenTimeout),
		}
	}

	return b
}

// Pick walks the remotes in round-robin order starting from a shared
// counter, skipping any that are saturated or whose breaker has tripped.
// When shardHint is provided, the remote carrying a matching shard is
// tried first. Returns (EndPoint{}, false) when every remote is
// unavailable.
func (b *Balancer) Pick(shardHint uint64, hasShardHint bool) (EndPoint, bool) {
	if len(b.remotes) == 0 {
		return EndPoint{}, false
	}

	if hasShardHint {
		for _, r := range b.remotes {
			if r.cfg.HasShard && r.cfg.Shard == shardHint && b.tryAcquire(r) {
				return EndPoint{remote: r}, true
			}
		}
	}

	start := b.next.Add(1) - 1

	for i := range uint64(len(b.remotes)) {
		idx := (start + i) % uint64(len(b.remotes))
		r := b.remotes[idx]

		if b.tryAcquire(r) {
			return EndPoint{remote: r}, true
		}
	}

	return EndPoint{}, false
}

func (b *Balancer) tryAcquire(r *remote) bool {
	if !r.breaker.AllowRequest() {
		return false
	}

	for {
		cur := r.inFlight.Load()
		if r.cfg.Threads > 0 && cur >= int64(r.cfg.Threads) {
			return false
		}

		if r.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}
