package wire

import "errors"

// ErrBadMessage corresponds to StatusBadMessage: framing or protobuf parse
// failure. The connection must be closed by the caller.
var ErrBadMessage = errors.New("wire: bad message")

// ErrNetwork corresponds to StatusNetwork: socket-level failure (timeout,
// peer close, short write). The connection must be closed by the caller.
var ErrNetwork = errors.New("wire: network error")

// ErrInconsequent corresponds to StatusInconsequent: the operation was
// attempted on an already-closed connection.
var ErrInconsequent = errors.New("wire: connection is closed")
