// Package wire implements C8: the gzip/zlib-framed connection protocol and
// its messages. Field numbers below are this spec's own allocation — the
// wire protocol never had a published protobuf IDL beyond its semantic
// fields, so messages are hand-encoded with protowire rather than
// protoc-generated code.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// StatusCode is the taxonomy from spec.md §7.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusBadMessage
	StatusNetwork
	StatusInconsequent
	StatusNoVersion
	StatusExecution
	StatusOverload
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusBadMessage:
		return "BAD_MESSAGE"
	case StatusNetwork:
		return "NETWORK"
	case StatusInconsequent:
		return "INCONSEQUENT"
	case StatusNoVersion:
		return "NO_VERSION"
	case StatusExecution:
		return "EXECUTION"
	case StatusOverload:
		return "OVERLOAD"
	default:
		return fmt.Sprintf("StatusCode(%d)", c)
	}
}

// Flags is the compiler command split into its cache-relevant categories
// (spec.md §6 "Flags categories").
type Flags struct {
	CompilerPath      string
	CompilerVersion   string
	CompilerPlugins   []string
	Action            string
	Input             string
	Output            string
	DepsFile          string
	Language          string
	SanitizeBlacklist string
	Other             []string
	CCOnly            []string
	NonCached         []string
	NonDirect         []string
}

// Field numbers for Flags, nested inside LocalExecute/RemoteExecute.
const (
	flagsFieldCompilerPath      = 1
	flagsFieldCompilerVersion   = 2
	flagsFieldCompilerPlugins   = 3
	flagsFieldAction            = 4
	flagsFieldInput             = 5
	flagsFieldOutput            = 6
	flagsFieldDepsFile          = 7
	flagsFieldLanguage          = 8
	flagsFieldSanitizeBlacklist = 9
	flagsFieldOther             = 10
	flagsFieldCCOnly            = 11
	flagsFieldNonCached         = 12
	flagsFieldNonDirect         = 13
)

func appendFlags(b []byte, num protowire.Number, f Flags) []byte {
	var inner []byte

	if f.CompilerPath != "" {
		inner = protowire.AppendTag(inner, flagsFieldCompilerPath, protowire.BytesType)
		inner = protowire.AppendString(inner, f.CompilerPath)
	}

	inner = protowire.AppendTag(inner, flagsFieldCompilerVersion, protowire.BytesType)
	inner = protowire.AppendString(inner, f.CompilerVersion)

	for _, p := range f.CompilerPlugins {
		inner = protowire.AppendTag(inner, flagsFieldCompilerPlugins, protowire.BytesType)
		inner = protowire.AppendString(inner, p)
	}

	inner = protowire.AppendTag(inner, flagsFieldAction, protowire.BytesType)
	inner = protowire.AppendString(inner, f.Action)
	inner = protowire.AppendTag(inner, flagsFieldInput, protowire.BytesType)
	inner = protowire.AppendString(inner, f.Input)
	inner = protowire.AppendTag(inner, flagsFieldOutput, protowire.BytesType)
	inner = protowire.AppendString(inner, f.Output)
	inner = protowire.AppendTag(inner, flagsFieldDepsFile, protowire.BytesType)
	inner = protowire.AppendString(inner, f.DepsFile)
	inner = protowire.AppendTag(inner, flagsFieldLanguage, protowire.BytesType)
	inner = protowire.AppendString(inner, f.Language)
	inner = protowire.AppendTag(inner, flagsFieldSanitizeBlacklist, protowire.BytesType)
	inner = protowire.AppendString(inner, f.SanitizeBlacklist)

	for _, v := range f.Other {
		inner = protowire.AppendTag(inner, flagsFieldOther, protowire.BytesType)
		inner = protowire.AppendString(inner, v)
	}

	for _, v := range f.CCOnly {
		inner = protowire.AppendTag(inner, flagsFieldCCOnly, protowire.BytesType)
		inner = protowire.AppendString(inner, v)
	}

	for _, v := range f.NonCached {
		inner = protowire.AppendTag(inner, flagsFieldNonCached, protowire.BytesType)
		inner = protowire.AppendString(inner, v)
	}

	for _, v := range f.NonDirect {
		inner = protowire.AppendTag(inner, flagsFieldNonDirect, protowire.BytesType)
		inner = protowire.AppendString(inner, v)
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)

	return b
}

func consumeFlags(b []byte) (Flags, int, error) {
	var f Flags

	orig := len(b)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, 0, fmt.Errorf("%w: bad flags tag", ErrBadMessage)
		}

		b = b[n:]

		if typ != protowire.BytesType {
			return f, 0, fmt.Errorf("%w: unexpected wire type in flags", ErrBadMessage)
		}

		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return f, 0, fmt.Errorf("%w: bad flags value", ErrBadMessage)
		}

		b = b[n:]
		s := string(val)

		switch num {
		case flagsFieldCompilerPath:
			f.CompilerPath = s
		case flagsFieldCompilerVersion:
			f.CompilerVersion = s
		case flagsFieldCompilerPlugins:
			f.CompilerPlugins = append(f.CompilerPlugins, s)
		case flagsFieldAction:
			f.Action = s
		case flagsFieldInput:
			f.Input = s
		case flagsFieldOutput:
			f.Output = s
		case flagsFieldDepsFile:
			f.DepsFile = s
		case flagsFieldLanguage:
			f.Language = s
		case flagsFieldSanitizeBlacklist:
			f.SanitizeBlacklist = s
		case flagsFieldOther:
			f.Other = append(f.Other, s)
		case flagsFieldCCOnly:
			f.CCOnly = append(f.CCOnly, s)
		case flagsFieldNonCached:
			f.NonCached = append(f.NonCached, s)
		case flagsFieldNonDirect:
			f.NonDirect = append(f.NonDirect, s)
		}
	}

	return f, orig, nil
}

// LocalExecute is the client -> daemon request.
type LocalExecute struct {
	CurrentDir string
	UserID     *uint32
	Flags      Flags
}

const (
	localExecuteFieldCurrentDir = 1
	localExecuteFieldUserID     = 2
	localExecuteFieldFlags      = 3
)

// Marshal appends the wire encoding of m to b.
func (m LocalExecute) Marshal(b []byte) []byte {
	b = protowire.AppendTag(b, localExecuteFieldCurrentDir, protowire.BytesType)
	b = protowire.AppendString(b, m.CurrentDir)

	if m.UserID != nil {
		b = protowire.AppendTag(b, localExecuteFieldUserID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.UserID))
	}

	b = appendFlags(b, localExecuteFieldFlags, m.Flags)

	return b
}

// Unmarshal decodes b into m.
func (m *LocalExecute) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad LocalExecute tag", ErrBadMessage)
		}

		b = b[n:]

		switch {
		case num == localExecuteFieldCurrentDir && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad current_dir", ErrBadMessage)
			}

			m.CurrentDir = string(v)
			b = b[n:]
		case num == localExecuteFieldUserID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad user_id", ErrBadMessage)
			}

			uid := uint32(v) //nolint:gosec
			m.UserID = &uid
			b = b[n:]
		case num == localExecuteFieldFlags && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad flags", ErrBadMessage)
			}

			f, _, err := consumeFlags(val)
			if err != nil {
				return err
			}

			m.Flags = f
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field", ErrBadMessage)
			}

			b = b[n:]
		}
	}

	return nil
}

// RemoteExecute is the emitter -> absorber request (spec.md §6): the same
// Flags with path/output/input/non_cached/deps_file stripped by the
// sender, plus the preprocessed source.
type RemoteExecute struct {
	Flags  Flags
	Source []byte
}

const (
	remoteExecuteFieldFlags  = 1
	remoteExecuteFieldSource = 2
)

func (m RemoteExecute) Marshal(b []byte) []byte {
	b = appendFlags(b, remoteExecuteFieldFlags, m.Flags)
	b = protowire.AppendTag(b, remoteExecuteFieldSource, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Source)

	return b
}

func (m *RemoteExecute) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad RemoteExecute tag", ErrBadMessage)
		}

		b = b[n:]

		switch {
		case num == remoteExecuteFieldFlags && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad flags", ErrBadMessage)
			}

			f, _, err := consumeFlags(val)
			if err != nil {
				return err
			}

			m.Flags = f
			b = b[n:]
		case num == remoteExecuteFieldSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad source", ErrBadMessage)
			}

			m.Source = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field", ErrBadMessage)
			}

			b = b[n:]
		}
	}

	return nil
}

// RemoteResult is the absorber -> emitter successful-compile payload.
type RemoteResult struct {
	Obj  []byte
	Deps []byte
}

const (
	remoteResultFieldObj  = 1
	remoteResultFieldDeps = 2
)

func (m RemoteResult) Marshal(b []byte) []byte {
	b = protowire.AppendTag(b, remoteResultFieldObj, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Obj)

	if len(m.Deps) > 0 {
		b = protowire.AppendTag(b, remoteResultFieldDeps, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Deps)
	}

	return b
}

func (m *RemoteResult) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad RemoteResult tag", ErrBadMessage)
		}

		b = b[n:]

		switch {
		case num == remoteResultFieldObj && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad obj", ErrBadMessage)
			}

			m.Obj = append([]byte(nil), v...)
			b = b[n:]
		case num == remoteResultFieldDeps && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad deps", ErrBadMessage)
			}

			m.Deps = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field", ErrBadMessage)
			}

			b = b[n:]
		}
	}

	return nil
}

// Status is the response/completion record of spec.md §7.
type Status struct {
	Code        StatusCode
	Description string
}

const (
	statusFieldCode        = 1
	statusFieldDescription = 2
)

func (m Status) Marshal(b []byte) []byte {
	b = protowire.AppendTag(b, statusFieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Code))

	if m.Description != "" {
		b = protowire.AppendTag(b, statusFieldDescription, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}

	return b
}

func (m *Status) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad Status tag", ErrBadMessage)
		}

		b = b[n:]

		switch {
		case num == statusFieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: bad code", ErrBadMessage)
			}

			m.Code = StatusCode(v) //nolint:gosec
			b = b[n:]
		case num == statusFieldDescription && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: bad description", ErrBadMessage)
			}

			m.Description = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field", ErrBadMessage)
			}

			b = b[n:]
		}
	}

	return nil
}

// Universal wraps exactly one of LocalExecute, RemoteExecute, RemoteResult
// or Status, matching the "one message envelope" shape of spec.md §6.
type Universal struct {
	LocalExecute  *LocalExecute
	RemoteExecute *RemoteExecute
	RemoteResult  *RemoteResult
	Status        *Status
}

const (
	universalFieldLocalExecute  = 1
	universalFieldRemoteExecute = 2
	universalFieldRemoteResult  = 3
	universalFieldStatus        = 4
)

// Marshal renders u as a standalone message payload (not yet framed).
func (u Universal) Marshal() []byte {
	var b []byte

	switch {
	case u.LocalExecute != nil:
		b = protowire.AppendTag(b, universalFieldLocalExecute, protowire.BytesType)
		b = protowire.AppendBytes(b, u.LocalExecute.Marshal(nil))
	case u.RemoteExecute != nil:
		b = protowire.AppendTag(b, universalFieldRemoteExecute, protowire.BytesType)
		b = protowire.AppendBytes(b, u.RemoteExecute.Marshal(nil))
	case u.RemoteResult != nil:
		b = protowire.AppendTag(b, universalFieldRemoteResult, protowire.BytesType)
		b = protowire.AppendBytes(b, u.RemoteResult.Marshal(nil))
	case u.Status != nil:
		b = protowire.AppendTag(b, universalFieldStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, u.Status.Marshal(nil))
	}

	return b
}

// UnmarshalUniversal decodes a payload produced by Universal.Marshal.
func UnmarshalUniversal(b []byte) (Universal, error) {
	var u Universal

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, fmt.Errorf("%w: bad Universal tag", ErrBadMessage)
		}

		b = b[n:]

		if typ != protowire.BytesType {
			return u, fmt.Errorf("%w: unexpected wire type in Universal", ErrBadMessage)
		}

		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return u, fmt.Errorf("%w: bad Universal value", ErrBadMessage)
		}

		b = b[n:]

		switch num {
		case universalFieldLocalExecute:
			m := &LocalExecute{}
			if err := m.Unmarshal(val); err != nil {
				return u, err
			}

			u.LocalExecute = m
		case universalFieldRemoteExecute:
			m := &RemoteExecute{}
			if err := m.Unmarshal(val); err != nil {
				return u, err
			}

			u.RemoteExecute = m
		case universalFieldRemoteResult:
			m := &RemoteResult{}
			if err := m.Unmarshal(val); err != nil {
				return u, err
			}

			u.RemoteResult = m
		case universalFieldStatus:
			m := &Status{}
			if err := m.Unmarshal(val); err != nil {
				return u, err
			}

			u.Status = m
		}
	}

	return u, nil
}
