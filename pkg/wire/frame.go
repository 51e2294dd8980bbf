package wire

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameLength bounds the varint32 payload-length prefix against a
// corrupt or hostile stream; spec.md does not name a limit, this is a
// defensive ceiling well above any real compilation unit.
const maxFrameLength = 256 << 20 // 256 MiB

// writeFrame deflates varint32(len(payload)) || payload as a single zlib
// stream and writes it to w. One zlib stream per message, never shared
// across messages — mixing the length prefix and payload into the same
// compressed stream (rather than framing the compressed bytes themselves)
// is the contract spec.md §4.8 calls out explicitly.
func writeFrame(w io.Writer, payload []byte) error {
	zw := zlib.NewWriter(w)

	var lenBuf [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	if _, err := zw.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("error writing frame length: %w", err)
	}

	if len(payload) > 0 {
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("error writing frame payload: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("error closing frame compressor: %w", err)
	}

	return nil
}

// readFrame reads one zlib-wrapped frame from br. br must be the same
// *bufio.Reader for the lifetime of the connection: zlib.NewReader (via
// compress/flate) recognizes br as implementing io.ByteReader and reads
// from it directly rather than wrapping its own internal buffer, so bytes
// belonging to the *next* frame are never consumed early.
func readFrame(br *bufio.Reader) ([]byte, error) {
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening zlib stream: %w", ErrBadMessage, err)
	}

	defer zr.Close() //nolint:errcheck

	inner := bufio.NewReader(zr)

	length, err := binary.ReadUvarint(inner)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading frame length: %w", ErrBadMessage, err)
	}

	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrBadMessage)
	}

	if length > maxFrameLength {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", ErrBadMessage, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(inner, payload); err != nil {
		return nil, fmt.Errorf("%w: error reading frame payload: %w", ErrBadMessage, err)
	}

	// Reading one more byte forces the zlib reader past the end of the
	// deflate stream, which is where it validates the trailing Adler-32
	// checksum; anything other than a clean EOF here means the stream was
	// corrupt or carried unexpected trailing bytes.
	if _, err := inner.ReadByte(); err == nil {
		return nil, fmt.Errorf("%w: trailing data after frame", ErrBadMessage)
	} else if !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}

	return payload, nil
}
