// Package semver implements the slice of node-semver used by package
// specifiers and packument version selection: exact versions, and the
// caret/tilde/comparator ranges that npm-style dependency declarations use.
// No example repo in the retrieval pack vendors a semver library (see
// DESIGN.md); this is domain grammar the engine cannot source from a
// generic dependency, so it is implemented directly against the stdlib.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed major.minor.patch[-prerelease][+build] version.
type Version struct {
	Major, Minor, Patch int
	Prerelease          string
	Build                string
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Parse parses a strict major.minor.patch version string.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	var build string
	if i := strings.IndexByte(s, '+'); i >= 0 {
		build = s[i+1:]
		s = s[:i]
	}
	var pre string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("semver: invalid version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("semver: invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Prerelease: pre, Build: build}, nil
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o,
// per semver precedence (prerelease sorts below its release).
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return cmpInt(v.Major, o.Major)
	}
	if v.Minor != o.Minor {
		return cmpInt(v.Minor, o.Minor)
	}
	if v.Patch != o.Patch {
		return cmpInt(v.Patch, o.Patch)
	}
	switch {
	case v.Prerelease == "" && o.Prerelease == "":
		return 0
	case v.Prerelease == "":
		return 1
	case o.Prerelease == "":
		return -1
	default:
		return comparePrerelease(v.Prerelease, o.Prerelease)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func comparePrerelease(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return cmpInt(an, bn)
		}
		if aerr == nil {
			return -1
		}
		if berr == nil {
			return 1
		}
		if as[i] < bs[i] {
			return -1
		}
		return 1
	}
	return cmpInt(len(as), len(bs))
}

// comparator is a single "<op><version>" term of a range, e.g. ">=1.2.3".
type comparator struct {
	op  string // "", "=", ">", ">=", "<", "<="
	ver Version
}

func (c comparator) matches(v Version) bool {
	cmp := v.Compare(c.ver)
	switch c.op {
	case "", "=":
		return cmp == 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	}
	return false
}

// Range is a disjunction ("||") of conjunctions (space-separated
// comparators), matching npm's node-semver range grammar closely enough for
// ^, ~, x-ranges, hyphen ranges, and plain comparator sets.
type Range struct {
	sets [][]comparator
}

// ParseRange parses a node-semver range expression.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Range{sets: [][]comparator{{{op: ">=", ver: Version{}}}}}, nil
	}
	var sets [][]comparator
	for _, alt := range strings.Split(s, "||") {
		alt = strings.TrimSpace(alt)
		set, err := parseConjunction(alt)
		if err != nil {
			return Range{}, err
		}
		sets = append(sets, set)
	}
	return Range{sets: sets}, nil
}

func parseConjunction(s string) ([]comparator, error) {
	if strings.Contains(s, " - ") {
		return parseHyphen(s)
	}
	var out []comparator
	for _, tok := range strings.Fields(s) {
		cs, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("semver: empty range term")
	}
	return out, nil
}

func parseHyphen(s string) ([]comparator, error) {
	parts := strings.SplitN(s, " - ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("semver: invalid hyphen range %q", s)
	}
	lo, err := parsePartialFloor(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	hi, err := parsePartialCeil(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	return []comparator{{op: ">=", ver: lo}, hi}, nil
}

func parseTerm(tok string) ([]comparator, error) {
	op, rest := splitOp(tok)
	switch op {
	case "^":
		return caretRange(rest)
	case "~":
		return tildeRange(rest)
	case ">=", ">", "<=", "<", "=", "":
		v, explicit, err := parsePartial(rest)
		if err != nil {
			return nil, err
		}
		if op == "" || op == "=" {
			// An x-range ("1.2.x", "1", "x") covers every version that
			// shares its explicit components.
			if explicit == 0 {
				return []comparator{{op: ">=", ver: Version{}}}, nil
			}
			if explicit < 3 {
				hi, err := parsePartialCeil(rest)
				if err != nil {
					return nil, err
				}
				return []comparator{{op: ">=", ver: v}, hi}, nil
			}
			op = "="
		}
		return []comparator{{op: op, ver: v}}, nil
	}
	return nil, fmt.Errorf("semver: invalid range term %q", tok)
}

func splitOp(tok string) (string, string) {
	for _, op := range []string{">=", "<=", "^", "~", ">", "<", "="} {
		if strings.HasPrefix(tok, op) {
			return op, strings.TrimSpace(tok[len(op):])
		}
	}
	return "", tok
}

// parsePartial parses a possibly-incomplete version ("1", "1.2") filling
// missing components with zero, returning also how many components were
// explicit (for caret/tilde upper-bound computation).
func parsePartial(s string) (Version, int, error) {
	s = strings.TrimPrefix(s, "v")
	var pre string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre = s[i+1:]
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return Version{}, 0, fmt.Errorf("semver: invalid partial version %q", s)
	}
	nums := []int{0, 0, 0}
	explicit := 0
	for i, p := range parts {
		if p == "" || p == "x" || p == "X" || p == "*" {
			break
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, 0, fmt.Errorf("semver: invalid partial version %q", s)
		}
		nums[i] = n
		explicit = i + 1
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Prerelease: pre}, explicit, nil
}

func parsePartialFloor(s string) (Version, error) {
	v, _, err := parsePartial(s)
	return v, err
}

func parsePartialCeil(s string) (comparator, error) {
	v, explicit, err := parsePartial(s)
	if err != nil {
		return comparator{}, err
	}
	switch explicit {
	case 3:
		return comparator{op: "<=", ver: v}, nil
	case 2:
		return comparator{op: "<", ver: Version{Major: v.Major, Minor: v.Minor + 1}}, nil
	default:
		return comparator{op: "<", ver: Version{Major: v.Major + 1}}, nil
	}
}

func caretRange(s string) ([]comparator, error) {
	v, explicit, err := parsePartial(s)
	if err != nil {
		return nil, err
	}
	lo := v
	var hi Version
	switch {
	case v.Major > 0 || explicit == 0:
		hi = Version{Major: v.Major + 1}
	case v.Minor > 0 || explicit == 1:
		hi = Version{Major: 0, Minor: v.Minor + 1}
	default:
		hi = Version{Major: 0, Minor: 0, Patch: v.Patch + 1}
	}
	return []comparator{{op: ">=", ver: lo}, {op: "<", ver: hi}}, nil
}

func tildeRange(s string) ([]comparator, error) {
	v, explicit, err := parsePartial(s)
	if err != nil {
		return nil, err
	}
	var hi Version
	if explicit <= 1 {
		hi = Version{Major: v.Major + 1}
	} else {
		hi = Version{Major: v.Major, Minor: v.Minor + 1}
	}
	return []comparator{{op: ">=", ver: v}, {op: "<", ver: hi}}, nil
}

// Matches reports whether v satisfies the range.
func (r Range) Matches(v Version) bool {
	for _, set := range r.sets {
		ok := true
		for _, c := range set {
			if !c.matches(v) {
				ok = false
				break
			}
		}
		if ok {
			if v.Prerelease != "" && !setAllowsPrerelease(set, v) {
				continue
			}
			return true
		}
	}
	return false
}

// setAllowsPrerelease follows node-semver's rule that a prerelease version
// only satisfies a range if one of the range's own comparators shares the
// same [major,minor,patch] triple and also carries a prerelease tag.
func setAllowsPrerelease(set []comparator, v Version) bool {
	for _, c := range set {
		if c.ver.Prerelease != "" && c.ver.Major == v.Major && c.ver.Minor == v.Minor && c.ver.Patch == v.Patch {
			return true
		}
	}
	return false
}

func (r Range) String() string {
	alts := make([]string, len(r.sets))
	for i, set := range r.sets {
		terms := make([]string, len(set))
		for j, c := range set {
			terms[j] = c.op + c.ver.String()
		}
		alts[i] = strings.Join(terms, " ")
	}
	return strings.Join(alts, " || ")
}
