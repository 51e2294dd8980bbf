package emitter

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/kalbasit/buildcache/pkg/wire"
)

// Serve accepts connections off ln until ctx is canceled or Accept fails,
// handling each on its own goroutine (spec.md §6 "a single request/response
// pair per connection is the normal pattern, but the connection remains
// usable for subsequent requests"). It returns the error that stopped the
// accept loop, or nil on context cancellation.
func (p *Pipeline) Serve(ctx context.Context, ln net.Listener) error {
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

		go p.handleClientConn(nc)
	}
}

func (p *Pipeline) handleClientConn(nc net.Conn) {
	conn := wire.NewConn(nc, p.cfg.ReadTimeout, p.cfg.WriteTimeout)

	for {
		u, err := conn.ReadSync()
		if err != nil {
			return
		}

		if u.LocalExecute == nil {
			_ = conn.SendSyncWithStatus(wire.Status{Code: wire.StatusBadMessage, Description: "expected LocalExecute"})

			return
		}

		if err := p.Ingress(conn, *u.LocalExecute); err != nil {
			zerolog.Ctx(context.Background()).Debug().Err(err).Msg("emitter: rejecting LocalExecute")

			_ = conn.SendSyncWithStatus(wire.Status{Code: wire.StatusBadMessage, Description: err.Error()})

			return
		}
	}
}
