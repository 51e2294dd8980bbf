package artifactcache

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is the manifest schema version written by Store*.
// Readers also understand versions 0 and 1 and upgrade them on access
// (spec §4.4 "Migration").
const CurrentSchemaVersion = 2

// Kind distinguishes a simple-cache manifest from a direct-cache one.
type Kind string

const (
	KindSimple Kind = "simple"
	KindDirect Kind = "direct"
)

// manifest is the decoded form of the textual key-value manifest record.
// Unknown keys are preserved across a round trip so the on-disk format stays
// forward-compatible, per spec §6.
type manifest struct {
	Version int
	Kind    Kind

	// simple fields
	Obj    bool
	Dep    bool
	Err    bool
	Snappy bool
	Size   uint64

	// direct fields
	Headers []string

	// unknown keys, preserved verbatim for forward compatibility
	extra map[string]string
}

func newSimpleManifest(obj, dep, err, snappy bool, size uint64) *manifest {
	return &manifest{
		Version: CurrentSchemaVersion,
		Kind:    KindSimple,
		Obj:     obj,
		Dep:     dep,
		Err:     err,
		Snappy:  snappy,
		Size:    size,
	}
}

func newDirectManifest(headers []string) *manifest {
	return &manifest{
		Version: CurrentSchemaVersion,
		Kind:    KindDirect,
		Headers: append([]string(nil), headers...),
	}
}

// encodeManifest renders m as the textual key=value format, one pair per
// line, sorted by key for a deterministic byte representation (useful for
// the invariant tests).
func encodeManifest(m *manifest) []byte {
	kv := make(map[string]string, len(m.extra)+8)

	for k, v := range m.extra {
		kv[k] = v
	}

	kv["version"] = strconv.Itoa(m.Version)
	kv["kind"] = string(m.Kind)

	switch m.Kind {
	case KindSimple:
		kv["obj"] = strconv.FormatBool(m.Obj)
		kv["dep"] = strconv.FormatBool(m.Dep)
		kv["err"] = strconv.FormatBool(m.Err)
		kv["snappy"] = strconv.FormatBool(m.Snappy)
		kv["size"] = strconv.FormatUint(m.Size, 10)
	case KindDirect:
		kv["headers"] = strings.Join(m.Headers, ",")
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var sb strings.Builder

	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(kv[k])
		sb.WriteByte('\n')
	}

	return []byte(sb.String())
}

// decodeManifest parses the textual format into a key/value map; version
// interpretation and migration are handled by upgradeManifest.
func decodeManifest(raw []byte) (map[string]string, error) {
	kv := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("%w: line %q has no '='", ErrCorruptManifest, line)
		}

		kv[line[:idx]] = line[idx+1:]
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptManifest, err)
	}

	return kv, nil
}

// errDirectEntryUnmigratable is returned (internally, then translated into a
// removal) when a version-1 direct entry is encountered: its headers could
// be absolute paths, which version 2 no longer accepts (spec §4.4, §9).
var errDirectEntryUnmigratable = fmt.Errorf("version-1 direct entry cannot be migrated to version 2")

// upgradeManifest applies the 0 -> 1 -> 2 migration sequence described in
// spec §4.4. It returns the upgraded manifest, or errDirectEntryUnmigratable
// if the entry must be deleted instead (a 1->2 direct entry).
func upgradeManifest(kv map[string]string, sizeFromFiles func() (uint64, error)) (*manifest, error) {
	version := 0
	if v, ok := kv["version"]; ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad version %q", ErrCorruptManifest, v)
		}

		version = parsed
	}

	m := &manifest{extra: map[string]string{}}
	for k, v := range kv {
		switch k {
		case "version", "kind", "obj", "dep", "err", "snappy", "size", "headers":
			// handled explicitly below
		default:
			m.extra[k] = v
		}
	}

	switch version {
	case 0:
		if headers, ok := kv["headers"]; ok {
			m.Kind = KindDirect
			if headers != "" {
				m.Headers = strings.Split(headers, ",")
			}
		} else {
			m.Kind = KindSimple
			m.Obj = kv["obj"] == "true"
			m.Dep = kv["dep"] == "true"
			m.Err = kv["err"] == "true"
			m.Snappy = kv["snappy"] == "true"

			size, err := sizeFromFiles()
			if err != nil {
				return nil, err
			}

			m.Size = size
		}

		m.Version = 1

		fallthrough
	case 1:
		if m.Kind == "" {
			m.Kind = Kind(kv["kind"])

			if m.Kind == KindDirect {
				if headers := kv["headers"]; headers != "" {
					m.Headers = strings.Split(headers, ",")
				}
			} else {
				m.Obj = kv["obj"] == "true"
				m.Dep = kv["dep"] == "true"
				m.Err = kv["err"] == "true"
				m.Snappy = kv["snappy"] == "true"

				size, _ := strconv.ParseUint(kv["size"], 10, 64)
				m.Size = size
			}
		}

		if m.Kind == KindDirect {
			// Conservatively delete every v1 direct entry: header paths may
			// be absolute, which v2 no longer accepts (spec §9 Open
			// Question, resolved in DESIGN.md).
			return nil, errDirectEntryUnmigratable
		}

		m.Version = 2

		return m, nil
	case 2:
		m.Version = 2
		m.Kind = Kind(kv["kind"])

		if m.Kind == KindDirect {
			if headers := kv["headers"]; headers != "" {
				m.Headers = strings.Split(headers, ",")
			}
		} else {
			m.Obj = kv["obj"] == "true"
			m.Dep = kv["dep"] == "true"
			m.Err = kv["err"] == "true"
			m.Snappy = kv["snappy"] == "true"

			size, err := strconv.ParseUint(kv["size"], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad size %q", ErrCorruptManifest, kv["size"])
			}

			m.Size = size
		}

		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorruptManifest, version)
	}
}
