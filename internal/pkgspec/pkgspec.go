// Package pkgspec parses package specifier strings ("name@^1.2",
// "@scope/n@1.0.0", "./path", "git+https://...#ref", "npm:other@1") into a
// tagged-union Spec, the way reference.Parse turns a registry string into a
// typed reference. Grammar and variant shape are grounded on the retrieved
// orogene sources (oro-package-spec's nom parsers for npm/alias/path/git
// specs) translated into ordered, eager-prefix Go parsing.
package pkgspec

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/orogene/orogene-sub001/internal/semver"
)

// Kind discriminates the Spec variants.
type Kind int

const (
	KindNpm Kind = iota
	KindDir
	KindGit
	KindAlias
)

// ReqKind discriminates how a registry dependency's version was requested.
type ReqKind int

const (
	ReqTag ReqKind = iota
	ReqVersion
	ReqRange
)

// VersionReq is "Tag(String) | Version(SemVer) | Range(SemVerRange)".
type VersionReq struct {
	Kind    ReqKind
	Tag     string
	Version semver.Version
	Range   semver.Range
	raw     string
}

func (r VersionReq) String() string { return r.raw }

// Spec is the PackageSpec tagged union from the data model.
type Spec struct {
	Kind Kind

	// Npm
	Scope     string // without leading '@'
	Name      string
	Requested *VersionReq

	// Dir
	Path string
	From string

	// Git
	Host       string
	Owner      string
	Repo       string
	Committish string

	// Alias
	AliasName string
	Underlying *Spec
}

var (
	scopedNameRe = regexp.MustCompile(`^@([a-z0-9][a-z0-9._-]*)/([a-z0-9][a-z0-9._-]*)$`)
	plainNameRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	gitHTTPRe    = regexp.MustCompile(`^git\+(https?|ssh)://(?:[^@/]+@)?([^/]+)/([^/]+)/([^/#]+?)(?:\.git)?(?:#(.+))?$`)
	gitShortRe   = regexp.MustCompile(`^([a-zA-Z0-9_.-]+)/([a-zA-Z0-9_.-]+)(?:#(.+))?$`)
)

// Parse parses s into a Spec. dir is the base directory against which a
// relative Dir spec's From is resolved (mirrors oro-package-spec's dir
// argument threaded through parse_package_spec).
func Parse(s, dir string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, fmt.Errorf("pkgspec: empty specifier")
	}

	// Ambiguous prefixes are matched eagerly, per spec.md §3.
	switch {
	case strings.HasPrefix(s, "npm:"):
		return parseNpm(strings.TrimPrefix(s, "npm:"))
	case strings.HasPrefix(s, "file:"):
		return parseDir(strings.TrimPrefix(s, "file:"), dir)
	case strings.HasPrefix(s, "git+"):
		return parseGit(s)
	case strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"), strings.HasPrefix(s, "/"):
		return parseDir(s, dir)
	case isWindowsPath(s):
		return parseDir(s, dir)
	}

	// alias := name@npm:other (or name@file:…, name@git+…, name@./…) —
	// only when the RHS starts with a known prefix.
	if i := nameReqSeparator(s); i > 0 {
		rhs := s[i+1:]
		switch {
		case strings.HasPrefix(rhs, "npm:"),
			strings.HasPrefix(rhs, "file:"),
			strings.HasPrefix(rhs, "git+"),
			strings.HasPrefix(rhs, "./"),
			strings.HasPrefix(rhs, "../"),
			strings.HasPrefix(rhs, "/"):
			return parseAlias(s, dir, "")
		}
	}

	if gitShortRe.MatchString(s) && strings.Count(s, "/") == 1 && !strings.Contains(s, "@") {
		return parseGitShort(s)
	}

	return parseNpm(s)
}

// nameReqSeparator finds the '@' splitting a name from its requested spec,
// skipping a scoped name's leading '@'.
func nameReqSeparator(s string) int {
	if strings.HasPrefix(s, "@") {
		slash := strings.IndexByte(s, '/')
		if slash < 0 {
			return -1
		}
		at := strings.IndexByte(s[slash+1:], '@')
		if at < 0 {
			return -1
		}
		return slash + 1 + at
	}
	return strings.IndexByte(s, '@')
}

func isWindowsPath(s string) bool {
	if len(s) >= 2 && s[1] == ':' && ((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z')) {
		return true
	}
	return strings.HasPrefix(s, `\\?\`) || strings.HasPrefix(s, `\\`)
}

func parseNpm(s string) (Spec, error) {
	name := s
	var reqStr string
	if strings.HasPrefix(s, "@") {
		// scoped: @scope/name[@req]
		slash := strings.IndexByte(s, '/')
		if slash < 0 {
			return Spec{}, fmt.Errorf("pkgspec: invalid scoped name %q", s)
		}
		rest := s[slash+1:]
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			name = s[:slash+1+at]
			reqStr = rest[at+1:]
		} else {
			name = s
		}
	} else if at := strings.IndexByte(s, '@'); at > 0 {
		name = s[:at]
		reqStr = s[at+1:]
	}

	var scope string
	bare := name
	if m := scopedNameRe.FindStringSubmatch(name); m != nil {
		scope = m[1]
		bare = "@" + m[1] + "/" + m[2]
		if !plainNameRe.MatchString(m[2]) {
			return Spec{}, fmt.Errorf("pkgspec: invalid package name %q", name)
		}
	} else if !plainNameRe.MatchString(name) {
		return Spec{}, fmt.Errorf("pkgspec: invalid package name %q", name)
	}

	spec := Spec{Kind: KindNpm, Scope: scope, Name: bare}
	if reqStr != "" {
		req, err := parseVersionReq(reqStr)
		if err != nil {
			return Spec{}, err
		}
		spec.Requested = &req
	}
	return spec, nil
}

func parseVersionReq(s string) (VersionReq, error) {
	if v, err := semver.Parse(s); err == nil {
		return VersionReq{Kind: ReqVersion, Version: v, raw: s}, nil
	}
	if r, err := semver.ParseRange(s); err == nil {
		return VersionReq{Kind: ReqRange, Range: r, raw: s}, nil
	}
	return VersionReq{Kind: ReqTag, Tag: s, raw: s}, nil
}

func parseDir(p, dir string) (Spec, error) {
	if p == "" {
		return Spec{}, fmt.Errorf("pkgspec: empty path")
	}
	return Spec{Kind: KindDir, Path: p, From: dir}, nil
}

func parseGit(s string) (Spec, error) {
	m := gitHTTPRe.FindStringSubmatch(s)
	if m == nil {
		return Spec{}, fmt.Errorf("pkgspec: invalid git spec %q", s)
	}
	return Spec{Kind: KindGit, Host: m[2], Owner: m[3], Repo: m[4], Committish: m[5]}, nil
}

func parseGitShort(s string) (Spec, error) {
	m := gitShortRe.FindStringSubmatch(s)
	if m == nil {
		return Spec{}, fmt.Errorf("pkgspec: invalid git shorthand %q", s)
	}
	return Spec{Kind: KindGit, Host: "github.com", Owner: m[1], Repo: m[2], Committish: m[3]}, nil
}

func parseAlias(s, dir, _ string) (Spec, error) {
	at := strings.IndexByte(s, '@')
	if strings.HasPrefix(s, "@") {
		slash := strings.IndexByte(s, '/')
		if slash < 0 {
			return Spec{}, fmt.Errorf("pkgspec: invalid alias %q", s)
		}
		rest := s[slash+1:]
		at = slash + 1 + strings.IndexByte(rest, '@')
	}
	if at <= 0 {
		return Spec{}, fmt.Errorf("pkgspec: invalid alias %q", s)
	}
	name := s[:at]
	rhs := s[at+1:]

	var under Spec
	var err error
	switch {
	case strings.HasPrefix(rhs, "npm:"):
		under, err = parseNpm(strings.TrimPrefix(rhs, "npm:"))
	case strings.HasPrefix(rhs, "git+"):
		under, err = parseGit(rhs)
	case strings.HasPrefix(rhs, "file:"):
		under, err = parseDir(strings.TrimPrefix(rhs, "file:"), dir)
	default:
		under, err = parseDir(rhs, dir)
	}
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: KindAlias, AliasName: name, Underlying: &under}, nil
}

// Target unwraps alias nesting recursively for dispatch, matching
// oro-package-spec's PackageSpec::target(). The alias name itself is not
// part of the returned Spec — callers that need it for the dependency-graph
// key should read AliasName/Name before calling Target.
func (s Spec) Target() Spec {
	cur := s
	for cur.Kind == KindAlias {
		cur = *cur.Underlying
	}
	return cur
}

// Key returns the dependency-graph key for s: the alias name if aliased,
// else the package name.
func (s Spec) Key() string {
	if s.Kind == KindAlias {
		return s.AliasName
	}
	return s.Name
}

func (s Spec) String() string {
	switch s.Kind {
	case KindNpm:
		n := s.Name
		if s.Requested != nil {
			return n + "@" + s.Requested.String()
		}
		return n
	case KindDir:
		return path.Join(s.From, s.Path)
	case KindGit:
		ref := ""
		if s.Committish != "" {
			ref = "#" + s.Committish
		}
		return fmt.Sprintf("git+https://%s/%s/%s%s", s.Host, s.Owner, s.Repo, ref)
	case KindAlias:
		switch s.Underlying.Kind {
		case KindNpm:
			return s.AliasName + "@npm:" + s.Underlying.String()
		case KindDir:
			return s.AliasName + "@file:" + s.Underlying.Path
		default:
			return s.AliasName + "@" + s.Underlying.String()
		}
	}
	return ""
}
