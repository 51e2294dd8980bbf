package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn wraps an established stream socket with the gzip/zlib framing and
// sync/async message API of spec.md §4.8. The zero value is not usable;
// construct with NewConn or Dial.
type Conn struct {
	nc net.Conn
	br *bufio.Reader

	writeMu sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration

	closed atomic.Bool
}

// NewConn wraps an already-established net.Conn.
func NewConn(nc net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		nc:           nc,
		br:           bufio.NewReader(nc),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Dial connects to network/address applying connectTimeout before the
// connection is handed to the caller, per spec.md §4.8.
func Dial(ctx context.Context, network, address string, connectTimeout, readTimeout, writeTimeout time.Duration) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer

	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	return NewConn(nc, readTimeout, writeTimeout), nil
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	if err := c.nc.Close(); err != nil {
		return fmt.Errorf("error closing connection: %w", err)
	}

	return nil
}

// ReadSync blocks up to the connection's read timeout, parses exactly one
// framed Universal message, and returns it. Reads on a closed connection
// return ErrInconsequent.
func (c *Conn) ReadSync() (Universal, error) {
	if c.IsClosed() {
		return Universal{}, ErrInconsequent
	}

	if c.readTimeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return Universal{}, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
	}

	payload, err := readFrame(c.br)
	if err != nil {
		if isNetworkErr(err) {
			return Universal{}, fmt.Errorf("%w: %w", ErrNetwork, err)
		}

		return Universal{}, err
	}

	u, err := UnmarshalUniversal(payload)
	if err != nil {
		return Universal{}, err
	}

	return u, nil
}

// WriteSync serializes u, frames it, writes it and flushes. Writes on a
// closed connection return ErrInconsequent.
func (c *Conn) WriteSync(u Universal) error {
	if c.IsClosed() {
		return ErrInconsequent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
	}

	if err := writeFrame(c.nc, u.Marshal()); err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	return nil
}

// SendSyncWithStatus writes a Status-only message and closes the
// connection afterward, regardless of whether the write succeeded.
func (c *Conn) SendSyncWithStatus(status Status) error {
	err := c.WriteSync(Universal{Status: &status})

	if cerr := c.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// ReadAsync schedules exactly one read; cb fires once, on its own
// goroutine, with the outcome. A false return from cb closes the
// connection.
func (c *Conn) ReadAsync(cb func(Universal, error) bool) {
	go func() {
		u, err := c.ReadSync()
		if !cb(u, err) {
			_ = c.Close()
		}
	}()
}

// WriteAsync schedules exactly one write; cb fires once, on its own
// goroutine, with the outcome. A false return from cb closes the
// connection.
func (c *Conn) WriteAsync(u Universal, cb func(error) bool) {
	go func() {
		err := c.WriteSync(u)
		if !cb(err) {
			_ = c.Close()
		}
	}()
}

func isNetworkErr(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr)
}
