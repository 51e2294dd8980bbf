package absorber_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/absorber"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/compiler/fakerunner"
	"github.com/kalbasit/buildcache/pkg/wire"
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

// roundTrip writes req on the client side, lets the absorber handle it on
// the server side, and returns the response the client reads back.
func roundTrip(t *testing.T, a *absorber.Absorber, req wire.RemoteExecute) wire.Universal {
	t.Helper()

	client, server := pipeConns(t)

	respCh := make(chan wire.Universal, 1)
	errCh := make(chan error, 1)

	go func() {
		require.NoError(t, client.WriteSync(wire.Universal{RemoteExecute: &req}))

		resp, err := client.ReadSync()
		errCh <- err
		respCh <- resp
	}()

	absorber.HandleRemoteExecuteForTest(a, context.Background(), server, req)

	require.NoError(t, <-errCh)

	return <-respCh
}

func TestHandleRemoteExecuteSuccess(t *testing.T) {
	t.Parallel()

	runner := fakerunner.New(compiler.RunResult{Stdout: []byte("OBJ"), ExitCode: 0})

	a := absorber.New(absorber.Config{
		CompilerPaths: map[string]string{"17.0": "/usr/bin/clang-17"},
		Runner:        runner,
	})

	resp := roundTrip(t, a, wire.RemoteExecute{
		Flags:  wire.Flags{CompilerVersion: "17.0", Other: []string{"-cc1"}},
		Source: []byte("int main(){}"),
	})

	require.NotNil(t, resp.RemoteResult)
	assert.Equal(t, "OBJ", string(resp.RemoteResult.Obj))

	require.Len(t, runner.Calls, 1)
	assert.Contains(t, runner.Calls[0].Spec.Argv, "-o")
	assert.Equal(t, []byte("int main(){}"), runner.Calls[0].Spec.Stdin)
}

func TestHandleRemoteExecuteUnknownVersion(t *testing.T) {
	t.Parallel()

	a := absorber.New(absorber.Config{
		CompilerPaths: map[string]string{"17.0": "/usr/bin/clang-17"},
		Runner:        fakerunner.New(),
	})

	resp := roundTrip(t, a, wire.RemoteExecute{Flags: wire.Flags{CompilerVersion: "99.0"}})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusNoVersion, resp.Status.Code)
}

func TestHandleRemoteExecuteUnknownPlugin(t *testing.T) {
	t.Parallel()

	a := absorber.New(absorber.Config{
		CompilerPaths: map[string]string{"17.0": "/usr/bin/clang-17"},
		Plugins:       map[string]string{"known": "/opt/plugins/known.so"},
		Runner:        fakerunner.New(),
	})

	resp := roundTrip(t, a, wire.RemoteExecute{
		Flags: wire.Flags{CompilerVersion: "17.0", CompilerPlugins: []string{"unknown"}},
	})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusNoVersion, resp.Status.Code)
}

func TestHandleRemoteExecuteCompilerFailure(t *testing.T) {
	t.Parallel()

	runner := fakerunner.New(compiler.RunResult{Stderr: []byte("boom"), ExitCode: 1})

	a := absorber.New(absorber.Config{
		CompilerPaths: map[string]string{"17.0": "/usr/bin/clang-17"},
		Runner:        runner,
	})

	resp := roundTrip(t, a, wire.RemoteExecute{Flags: wire.Flags{CompilerVersion: "17.0"}})

	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusExecution, resp.Status.Code)
	assert.Equal(t, "boom", resp.Status.Description)
}
