// Package fingerprint computes the three stable content hashes the emitter
// uses as cache keys: HandledHash, UnhandledHash and DirectHash.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrSkipListed is returned by HashHeader when a header's content contains
// a literal skip-list token (default {"__DATE__", "__TIME__"}), which keeps
// compilation-time-sensitive headers out of the direct cache. The caller
// must treat this as a direct-cache miss, never a fatal error.
var ErrSkipListed = errors.New("header content matched a skip-listed token")

// DefaultSkipList is the default set of tokens that disqualify a header
// from direct-cache hashing.
var DefaultSkipList = []string{"__DATE__", "__TIME__"}

// H is the stable non-cryptographic content hash, truncated to 16 bytes.
func H(b []byte) [16]byte {
	sum := blake3.Sum256(b)

	var out [16]byte

	copy(out[:], sum[:16])

	return out
}

// H4 is H truncated further to 4 bytes, used for the shorter fields
// (command line, compiler version) that do not need full collision
// resistance.
func H4(b []byte) [4]byte {
	full := H(b)

	var out [4]byte

	copy(out[:], full[:4])

	return out
}

func hexH(b []byte) string {
	h := H(b)

	return hex.EncodeToString(h[:])
}

func hexH4(b []byte) string {
	h := H4(b)

	return hex.EncodeToString(h[:])
}

// Flags mirrors the wire Flags categories relevant to command-line assembly
// (spec §3/§6): other, language, cc_only and, for the direct variant,
// non_cached and the input file's directory.
type Flags struct {
	Other      []string
	Language   string
	CCOnly     []string
	NonCached  []string
	InputDir   string
}

// AssembleCommandLine concatenates, in order and single-space-separated:
// other[], an optional "-x <language>", cc_only[]. When direct is true,
// non_cached[] and an implicit "-I<InputDir>" are appended too. This exact
// text is the pre-image of the command-line hash.
func AssembleCommandLine(f Flags, direct bool) string {
	parts := make([]string, 0, len(f.Other)+len(f.CCOnly)+len(f.NonCached)+2)

	parts = append(parts, f.Other...)

	if f.Language != "" {
		parts = append(parts, "-x", f.Language)
	}

	parts = append(parts, f.CCOnly...)

	if direct {
		parts = append(parts, f.NonCached...)

		if f.InputDir != "" {
			parts = append(parts, "-I"+f.InputDir)
		}
	}

	return strings.Join(parts, " ")
}

// HandledHash = hex(H(handled_source)) || "-" || hex(H4(command_line)) || "-" || hex(H4(version)).
func HandledHash(handledSource []byte, f Flags, version string) string {
	cmdline := AssembleCommandLine(f, false)

	return fmt.Sprintf("%s-%s-%s", hexH(handledSource), hexH4([]byte(cmdline)), hexH4([]byte(version)))
}

// UnhandledHash = hex(H(raw_source)) || "-" || hex(H4(command_line)) || "-" || hex(H4(version||clang_full_version)).
func UnhandledHash(rawSource []byte, f Flags, version, fullVersion string) string {
	cmdline := AssembleCommandLine(f, true)

	return fmt.Sprintf(
		"%s-%s-%s",
		hexH(rawSource),
		hexH4([]byte(cmdline)),
		hexH4([]byte(version+fullVersion)),
	)
}

// DirectHash = hex(H(UnhandledHash || concat over headers of H(header_contents))).
//
// headerContentHashes must be computed by HashHeader (respecting the
// skip-list) before calling DirectHash; DirectHash itself is pure and never
// fails.
func DirectHash(unhandledHash string, headerContentHashes [][16]byte) string {
	buf := make([]byte, 0, len(unhandledHash)+len(headerContentHashes)*16)
	buf = append(buf, unhandledHash...)

	for _, h := range headerContentHashes {
		buf = append(buf, h[:]...)
	}

	return hexH(buf)
}

// HashHeader computes H(content) for one header's bytes, refusing content
// that contains any literal skip-list token. A nil skipList falls back to
// DefaultSkipList; pass an empty non-nil slice to disable skip-listing
// entirely.
func HashHeader(content []byte, skipList []string) ([16]byte, error) {
	if skipList == nil {
		skipList = DefaultSkipList
	}

	s := string(content)

	for _, token := range skipList {
		if strings.Contains(s, token) {
			return [16]byte{}, fmt.Errorf("%w: %q", ErrSkipListed, token)
		}
	}

	return H(content), nil
}
