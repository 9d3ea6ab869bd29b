// Package engerr defines the engine's error taxonomy (spec.md §7): a stable
// code per variant, registered into a lookup table the way the teacher's
// registry/api/errcode package registers ErrorDescriptors, plus structured
// detail data so a caller can render "name", "spec", or "path" without
// string-parsing the message.
package engerr

import (
	"fmt"
)

// Code is a stable identifier for one taxonomy entry.
type Code string

const (
	CodeParseSpec          Code = "PARSE_SPEC"
	CodeParsePackument      Code = "PARSE_PACKUMENT"
	CodeParseLockfile       Code = "PARSE_LOCKFILE"
	CodeParseIntegrity      Code = "PARSE_INTEGRITY"
	CodeNoMatchingVersion   Code = "NO_MATCHING_VERSION"
	CodePackageNotFound     Code = "PACKAGE_NOT_FOUND"
	CodePeerDependencyConflict Code = "PEER_DEPENDENCY_CONFLICT"
	CodeCycleInPeerDeps     Code = "CYCLE_IN_PEER_DEPENDENCIES"
	CodeFetchIO             Code = "FETCH_IO"
	CodeFetchHTTPStatus     Code = "FETCH_HTTP_STATUS"
	CodeIntegrityMismatch   Code = "INTEGRITY_MISMATCH"
	CodeCacheIO             Code = "CACHE_IO"
	CodeTarballMalformed    Code = "TARBALL_MALFORMED"
	CodeTarballPathEscape   Code = "TARBALL_PATH_ESCAPE"
	CodeTarballEntryType    Code = "TARBALL_ENTRY_TYPE"
	CodeRealiseConflict     Code = "REALISE_CONFLICT"
)

// descriptor mirrors the teacher's ErrorDescriptor: a code plus a human
// message. It carries no fatal/non-fatal classification; optional-dependency
// failures are downgraded to warnings at the call site, not here.
type descriptor struct {
	Code    Code
	Message string
}

var registry = map[Code]descriptor{}

func register(d descriptor) Code {
	registry[d.Code] = d
	return d.Code
}

func init() {
	for _, d := range []descriptor{
		{CodeParseSpec, "malformed package specifier"},
		{CodeParsePackument, "malformed packument document"},
		{CodeParseLockfile, "malformed lockfile document"},
		{CodeParseIntegrity, "malformed integrity string"},
		{CodeNoMatchingVersion, "no version satisfies the requested spec"},
		{CodePackageNotFound, "package not found in registry"},
		{CodePeerDependencyConflict, "peer dependency conflict"},
		{CodeCycleInPeerDeps, "cycle detected among peer dependencies"},
		{CodeFetchIO, "network or filesystem I/O error while fetching"},
		{CodeFetchHTTPStatus, "registry returned a non-success HTTP status"},
		{CodeIntegrityMismatch, "fetched content did not match its declared integrity"},
		{CodeCacheIO, "cache storage error"},
		{CodeTarballMalformed, "malformed tarball header"},
		{CodeTarballPathEscape, "tarball entry path escapes the destination"},
		{CodeTarballEntryType, "tarball entry type is not allowed"},
		{CodeRealiseConflict, "destination exists with different contents"},
	} {
		register(d)
	}
}

// Error is the concrete error type every engine layer wraps I/O and parse
// failures into at a layer boundary, carrying contextual Detail data (URL,
// path, offset) the way spec.md §7's propagation policy requires.
type Error struct {
	Code    Code
	Detail  map[string]any
	Wrapped error
}

func New(code Code, detail map[string]any, wrapped error) *Error {
	return &Error{Code: code, Detail: detail, Wrapped: wrapped}
}

func (e *Error) Error() string {
	d, ok := registry[e.Code]
	msg := string(e.Code)
	if ok {
		msg = d.Message
	}
	if len(e.Detail) > 0 {
		msg = fmt.Sprintf("%s %v", msg, e.Detail)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is supports errors.Is(err, &Error{Code: X}) style matching on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsCode reports whether the first *Error found along err's Unwrap chain
// carries code; an *Error nested inside another *Error is not consulted.
func IsCode(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}
