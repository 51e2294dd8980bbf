package absorber

import (
	"context"

	"github.com/kalbasit/buildcache/pkg/wire"
)

// HandleRemoteExecuteForTest exposes handleRemoteExecute to the external
// test package, so tests can drive a single request/response without
// looping handleConn's multi-request accept semantics.
func HandleRemoteExecuteForTest(a *Absorber, ctx context.Context, conn *wire.Conn, req wire.RemoteExecute) {
	a.handleRemoteExecute(ctx, conn, req)
}
