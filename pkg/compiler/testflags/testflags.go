// Package testflags provides a stub compiler.FlagParser for tests: it
// returns a fixed wire.Flags value regardless of argv, since real argv
// parsing is out of scope (spec.md §1 Non-goals).
package testflags

import "github.com/kalbasit/buildcache/pkg/wire"

// Parser always returns Flags, ignoring argv.
type Parser struct {
	Flags wire.Flags
}

// New returns a Parser that always yields flags.
func New(flags wire.Flags) Parser { return Parser{Flags: flags} }

// Parse ignores argv and returns the configured Flags.
func (p Parser) Parse(_ []string) (wire.Flags, error) { return p.Flags, nil }
