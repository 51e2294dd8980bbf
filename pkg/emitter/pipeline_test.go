package emitter_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/balancer"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/compiler/fakerunner"
	"github.com/kalbasit/buildcache/pkg/emitter"
	"github.com/kalbasit/buildcache/pkg/fingerprint"
	"github.com/kalbasit/buildcache/pkg/kvindex"
	"github.com/kalbasit/buildcache/pkg/lock/local"
	"github.com/kalbasit/buildcache/pkg/wire"
	"github.com/kalbasit/buildcache/testhelper"
)

func pipeConns(t *testing.T) (*wire.Conn, *wire.Conn) {
	t.Helper()

	a, b := net.Pipe()

	client := wire.NewConn(a, 5*time.Second, 5*time.Second)
	server := wire.NewConn(b, 5*time.Second, 5*time.Second)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

func newTestCache(t *testing.T) *artifactcache.Cache {
	t.Helper()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	c, err := artifactcache.Open(context.Background(), artifactcache.Config{
		Root:    t.TempDir(),
		KVIndex: kvindex.New(db),
		Locker:  local.NewRWLocker(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c
}

// ingressAndAwait pushes req onto client, drives it through p, and returns
// whatever Status/RemoteResult the pipeline eventually writes back.
func ingressAndAwait(t *testing.T, p *emitter.Pipeline, req wire.LocalExecute) wire.Universal {
	t.Helper()

	client, server := pipeConns(t)

	respCh := make(chan wire.Universal, 1)
	errCh := make(chan error, 1)

	go func() {
		require.NoError(t, client.WriteSync(wire.Universal{LocalExecute: &req}))

		resp, err := client.ReadSync()
		errCh <- err
		respCh <- resp
	}()

	require.NoError(t, p.Ingress(server, req))

	require.NoError(t, <-errCh)

	return <-respCh
}

func TestIngressRejectsMissingInput(t *testing.T) {
	t.Parallel()

	p, err := emitter.New(emitter.Config{LocalWorkers: 1})
	require.NoError(t, err)

	_, server := pipeConns(t)

	err = p.Ingress(server, wire.LocalExecute{Flags: wire.Flags{CompilerPath: "/usr/bin/clang"}})
	require.Error(t, err)
}

func TestNewRejectsOnlyFailedWithoutBalancer(t *testing.T) {
	t.Parallel()

	_, err := emitter.New(emitter.Config{OnlyFailed: true})
	require.ErrorIs(t, err, emitter.ErrOnlyFailedNeedsRemote)
}

func TestLocalFallbackCompilesAndRespondsWhenNoCacheOrRemote(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "main.o")

	// Simulates the real compiler having already written its output; the
	// fake Runner only scripts the exit status, not disk side effects.
	require.NoError(t, os.WriteFile(outputPath, []byte("OBJECT"), 0o600))

	runner := fakerunner.New(compiler.RunResult{ExitCode: 0})

	p, err := emitter.New(emitter.Config{LocalWorkers: 1, Runner: runner})
	require.NoError(t, err)

	p.Start(context.Background())
	defer p.Shutdown()

	resp := ingressAndAwait(t, p, wire.LocalExecute{
		CurrentDir: dir,
		Flags: wire.Flags{
			CompilerPath: "/usr/bin/clang",
			Input:        "main.c",
			Output:       "main.o",
		},
	})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusOK, resp.Status.Code)

	require.Len(t, runner.Calls, 1)
	assert.Contains(t, runner.Calls[0].Spec.Argv, "-o")
}

func TestCacheHitRespondsWithoutCompiling(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cache := newTestCache(t)

	flags := wire.Flags{CompilerPath: "/usr/bin/clang", Input: "main.c"}
	simpleFlags := fingerprint.Flags{Other: flags.Other, Language: flags.Language, CCOnly: flags.CCOnly, NonCached: flags.NonCached}

	handledSource := []byte("PREPROCESSED SOURCE")

	cache.StoreSimple(context.Background(), handledSource, simpleFlags, "17.0", artifactcache.Entry{
		Object: []byte("CACHED OBJECT"),
	})

	runner := fakerunner.New(compiler.RunResult{Stdout: handledSource, ExitCode: 0})

	p, err := emitter.New(emitter.Config{
		Cache:           cache,
		CompilerVersion: "17.0",
		LocalWorkers:    1,
		Runner:          runner,
	})
	require.NoError(t, err)

	p.Start(context.Background())
	defer p.Shutdown()

	// The direct cache has nothing for this input file (only a simple
	// entry was stored), so the cache stage must preprocess once, then hit
	// the simple cache on the resulting handled source.
	srcPath := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(srcPath, []byte("int main(){}"), 0o600))

	resp := ingressAndAwait(t, p, wire.LocalExecute{CurrentDir: dir, Flags: flags})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusOK, resp.Status.Code)

	require.Len(t, runner.Calls, 1, "only the preprocess run, no local compile")
}

// remoteStub accepts exactly one connection and answers every RemoteExecute
// on it with result, standing in for an absorber in remote-dispatch tests.
// The RemoteExecute it received is pushed onto the returned channel so a
// test can assert on what was actually shipped.
func remoteStub(t *testing.T, result wire.RemoteResult) (string, <-chan wire.RemoteExecute) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = ln.Close() })

	requests := make(chan wire.RemoteExecute, 1)

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}

		conn := wire.NewConn(nc, 5*time.Second, 5*time.Second)
		defer conn.Close() //nolint:errcheck

		req, err := conn.ReadSync()
		if err != nil {
			return
		}

		if req.RemoteExecute != nil {
			requests <- *req.RemoteExecute
		}

		_ = conn.WriteSync(wire.Universal{RemoteResult: &result})
	}()

	return ln.Addr().String(), requests
}

func TestRemoteDispatchSuccess(t *testing.T) {
	t.Parallel()

	addr, requests := remoteStub(t, wire.RemoteResult{Obj: []byte("REMOTE OBJECT")})

	b := balancer.New([]balancer.RemoteConfig{{Address: addr, Threads: 1}}, 5, 30*time.Second)

	// No cache is configured, so the remote stage itself must preprocess
	// before dispatching; the fake Runner scripts that one preprocess call.
	runner := fakerunner.New(compiler.RunResult{Stdout: []byte("PREPROCESSED SOURCE"), ExitCode: 0})

	// OnlyFailed keeps the local stage off all_tasks, so the remote stage is
	// the only consumer of the task.
	p, err := emitter.New(emitter.Config{
		Balancer:      b,
		OnlyFailed:    true,
		RemoteWorkers: 1,
		LocalWorkers:  1,
		Runner:        runner,
		DialTimeout:   time.Second,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	})
	require.NoError(t, err)

	p.Start(context.Background())
	defer p.Shutdown()

	dir := t.TempDir()

	resp := ingressAndAwait(t, p, wire.LocalExecute{
		CurrentDir: dir,
		Flags:      wire.Flags{CompilerPath: "/usr/bin/clang", Input: "main.c", Output: "main.o"},
	})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusOK, resp.Status.Code)

	written, err := os.ReadFile(filepath.Join(dir, "main.o"))
	require.NoError(t, err)
	assert.Equal(t, "REMOTE OBJECT", string(written))

	select {
	case req := <-requests:
		assert.Equal(t, "PREPROCESSED SOURCE", string(req.Source), "dispatch must ship the preprocessed source, not an empty one")
	case <-time.After(time.Second):
		t.Fatal("remote stub never received a RemoteExecute")
	}

	require.Len(t, runner.Calls, 1, "exactly one preprocess invocation, no local compile")
}

func TestRemoteDispatchFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	// Nothing listens on this address: every dial attempt fails immediately.
	b := balancer.New([]balancer.RemoteConfig{{Address: "127.0.0.1:1", Threads: 1}}, 5, 30*time.Second)

	// No cache is configured, so the remote stage preprocesses once before
	// the (failing) dial, then the local-fallback stage runs the actual
	// compile: two scripted Runner calls in total.
	runner := fakerunner.New(
		compiler.RunResult{ExitCode: 0, Stdout: []byte("PREPROCESSED SOURCE")},
		compiler.RunResult{ExitCode: 0, Stderr: []byte("local build ok")},
	)

	// OnlyFailed keeps the local stage off all_tasks, so it only sees the
	// task after the remote stage has failed it.
	p, err := emitter.New(emitter.Config{
		Balancer:      b,
		OnlyFailed:    true,
		RemoteWorkers: 1,
		LocalWorkers:  1,
		Runner:        runner,
		DialTimeout:   50 * time.Millisecond,
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
	})
	require.NoError(t, err)

	p.Start(context.Background())
	defer p.Shutdown()

	resp := ingressAndAwait(t, p, wire.LocalExecute{
		Flags: wire.Flags{CompilerPath: "/usr/bin/clang", Input: "main.c"},
	})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusOK, resp.Status.Code)
	assert.Equal(t, "local build ok", resp.Status.Description)

	require.Len(t, runner.Calls, 2, "one preprocess call plus one local compile, no more")
}
