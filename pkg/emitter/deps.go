package emitter

import "strings"

// parseDepsHeaders extracts header paths from a Makefile-style dependency
// file (the "-MF" output spec.md §6 threads through DepsFile): a
// "target: prereq prereq \\\n  prereq ..." rule, prerequisites
// whitespace-separated and optionally continued across lines with a
// trailing backslash. The first prerequisite, the translation unit
// itself, is skipped — only the headers it pulled in matter for direct
// caching (spec.md §4.4).
func parseDepsHeaders(deps []byte) []string {
	text := strings.ReplaceAll(string(deps), "\\\n", " ")

	idx := strings.IndexByte(text, ':')
	if idx < 0 {
		return nil
	}

	fields := strings.Fields(text[idx+1:])
	if len(fields) <= 1 {
		return nil
	}

	return fields[1:]
}
