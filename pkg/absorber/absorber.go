// Package absorber implements the remote worker daemon's half of spec.md
// §4.10: the symmetric counterpart to the emitter's remote-dispatch stage.
// It accepts a RemoteExecute over an already-framed wire.Conn, consults its
// own simple cache, and otherwise spawns the configured compiler with the
// preprocessed source fed on stdin, replying with a RemoteResult or a
// Status (spec.md §7 taxonomy).
package absorber

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/fingerprint"
	"github.com/kalbasit/buildcache/pkg/wire"
)

// Config configures an Absorber.
type Config struct {
	// Cache is the optional simple-cache tier this absorber consults and
	// populates before falling back to a real compile. Nil disables
	// caching on the absorber side (the emitter's own cache still applies).
	Cache *artifactcache.Cache

	// CompilerPaths maps a compiler version string (wire.Flags.CompilerVersion)
	// to the path of the compiler binary configured to serve it. A
	// RemoteExecute naming a version absent from this map is answered with
	// StatusNoVersion (spec.md §7).
	CompilerPaths map[string]string

	// Plugins maps a plugin name to its path, mirroring CompilerPaths but
	// for wire.Flags.CompilerPlugins; any requested plugin absent here
	// also yields StatusNoVersion.
	Plugins map[string]string

	Runner compiler.Runner
}

// Absorber handles one RemoteExecute at a time per connection; Serve may be
// called concurrently from multiple goroutines over distinct connections.
type Absorber struct {
	cfg Config
}

// New builds an Absorber from cfg.
func New(cfg Config) *Absorber {
	if cfg.Runner == nil {
		cfg.Runner = compiler.NewExecRunner()
	}

	return &Absorber{cfg: cfg}
}

// Serve accepts connections off ln until ctx is canceled or Accept fails,
// handling each on its own goroutine. It returns the error that stopped the
// accept loop (nil on context cancellation).
func (a *Absorber) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		go a.handleConn(ctx, nc)
	}
}

func (a *Absorber) handleConn(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc, 0, 0)
	defer conn.Close() //nolint:errcheck

	for {
		u, err := conn.ReadSync()
		if err != nil {
			return
		}

		if u.RemoteExecute == nil {
			a.respondStatus(conn, wire.Status{Code: wire.StatusBadMessage, Description: "expected RemoteExecute"})

			return
		}

		a.handleRemoteExecute(ctx, conn, *u.RemoteExecute)
	}
}

func (a *Absorber) handleRemoteExecute(ctx context.Context, conn *wire.Conn, req wire.RemoteExecute) {
	compilerPath, ok := a.resolveCompiler(req.Flags)
	if !ok {
		a.respondStatus(conn, wire.Status{Code: wire.StatusNoVersion, Description: "compiler version or plugin not configured"})

		return
	}

	fpFlags := fingerprint.Flags{
		Other:     req.Flags.Other,
		Language:  req.Flags.Language,
		CCOnly:    req.Flags.CCOnly,
		NonCached: req.Flags.NonCached,
	}

	if a.cfg.Cache != nil {
		if entry, err := a.cfg.Cache.FindSimple(ctx, req.Source, fpFlags, req.Flags.CompilerVersion); err == nil {
			a.respondResult(conn, wire.RemoteResult{Obj: entry.Object, Deps: entry.Deps})

			return
		}
	}

	argv := append([]string{compilerPath}, remoteCompileArgv(req.Flags, a.resolvePlugins(req.Flags.CompilerPlugins))...)

	result, err := a.cfg.Runner.Run(ctx, compiler.RunSpec{
		Argv:  argv,
		Stdin: req.Source,
	})
	if err != nil {
		a.respondStatus(conn, wire.Status{Code: wire.StatusExecution, Description: err.Error()})

		return
	}

	if result.ExitCode != 0 {
		a.respondStatus(conn, wire.Status{Code: wire.StatusExecution, Description: string(result.Stderr)})

		return
	}

	rr := wire.RemoteResult{Obj: result.Stdout}

	if a.cfg.Cache != nil {
		a.cfg.Cache.StoreSimple(ctx, req.Source, fpFlags, req.Flags.CompilerVersion, artifactcache.Entry{
			Object: rr.Obj,
			Stderr: result.Stderr,
		})
	}

	a.respondResult(conn, rr)
}

// resolveCompiler looks up the path configured for the requested compiler
// version, and validates that every requested plugin is configured too.
func (a *Absorber) resolveCompiler(f wire.Flags) (string, bool) {
	path, ok := a.cfg.CompilerPaths[f.CompilerVersion]
	if !ok {
		return "", false
	}

	for _, p := range f.CompilerPlugins {
		if _, ok := a.cfg.Plugins[p]; !ok {
			return "", false
		}
	}

	return path, true
}

func (a *Absorber) resolvePlugins(names []string) []string {
	paths := make([]string, 0, len(names))

	for _, n := range names {
		if p, ok := a.cfg.Plugins[n]; ok {
			paths = append(paths, p)
		}
	}

	return paths
}

func (a *Absorber) respondResult(conn *wire.Conn, rr wire.RemoteResult) {
	if err := conn.WriteSync(wire.Universal{RemoteResult: &rr}); err != nil {
		zerolog.Ctx(context.Background()).Debug().Err(err).Msg("absorber: failed to send result")
	}
}

func (a *Absorber) respondStatus(conn *wire.Conn, status wire.Status) {
	if err := conn.WriteSync(wire.Universal{Status: &status}); err != nil {
		zerolog.Ctx(context.Background()).Debug().Err(err).Msg("absorber: failed to send status")
	}
}

// remoteCompileArgv builds the argv for the absorber's remote compile run
// (spec.md §6): identical to the local compile except source is fed on
// stdin and output is forced to stdout ("-").
func remoteCompileArgv(f wire.Flags, pluginPaths []string) []string {
	argv := append([]string{}, f.Other...)
	if f.Action != "" {
		argv = append(argv, f.Action)
	}

	argv = append(argv, f.NonCached...)
	argv = append(argv, f.NonDirect...)

	for _, p := range pluginPaths {
		argv = append(argv, "-load", p)
	}

	if f.Language != "" {
		argv = append(argv, "-x", f.Language)
	}

	argv = append(argv, "-o", "-")

	return argv
}
