// Package lockfile reads and writes the install engine's lockfile: a
// line-oriented, human-editable document (package-lock.kdl) listing one
// node per logical node_modules path, ordered alphabetically so rendering
// is deterministic and re-rendering a parsed document is byte-stable. A
// legacy npm-style package-lock.json is consumed read-only and converted
// into the same in-memory Document; it is never written back.
package lockfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/orogene/orogene-sub001/internal/engerr"
)

// Name is the canonical lockfile filename; LegacyName the read-only import.
const (
	Name       = "package-lock.kdl"
	LegacyName = "package-lock.json"
)

// FormatVersion is the document schema version written at the top of every
// lockfile.
const FormatVersion = 1

// Entry is one node of the serialised graph. The root entry has Path ""
// and carries no Resolved/Integrity.
type Entry struct {
	Path                 string
	Name                 string
	Version              string
	Resolved             string
	Integrity            string
	Dependencies         map[string]string
	DevDependencies      map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string
}

// IsRoot reports whether e is the project's own node.
func (e *Entry) IsRoot() bool { return e.Path == "" }

// Document is a parsed lockfile.
type Document struct {
	Version int
	Entries []Entry
}

// Sort orders entries alphabetically by logical path, root first.
func (d *Document) Sort() {
	sort.Slice(d.Entries, func(i, j int) bool { return d.Entries[i].Path < d.Entries[j].Path })
}

// Lookup returns the entry at path, if present.
func (d *Document) Lookup(path string) (*Entry, bool) {
	for i := range d.Entries {
		if d.Entries[i].Path == path {
			return &d.Entries[i], true
		}
	}
	return nil, false
}

// Root returns the root entry, if present.
func (d *Document) Root() (*Entry, bool) { return d.Lookup("") }

func quote(s string) string { return strconv.Quote(s) }

func renderDeps(buf *bytes.Buffer, name string, deps map[string]string) {
	if len(deps) == 0 {
		return
	}
	keys := make([]string, 0, len(deps))
	for k := range deps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(buf, "    %s {\n", name)
	for _, k := range keys {
		fmt.Fprintf(buf, "        %s %s\n", quote(k), quote(deps[k]))
	}
	buf.WriteString("    }\n")
}

// Render serialises d in canonical form: version header, root node, then
// package nodes alphabetically by path, dependency tables alphabetically
// by name.
func (d *Document) Render() []byte {
	d.Sort()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "lockfile-version %d\n", FormatVersion)
	for i := range d.Entries {
		e := &d.Entries[i]
		buf.WriteByte('\n')
		if e.IsRoot() {
			buf.WriteString("root {\n")
		} else {
			fmt.Fprintf(&buf, "pkg %s {\n", quote(e.Path))
		}
		if e.Name != "" {
			fmt.Fprintf(&buf, "    name %s\n", quote(e.Name))
		}
		if e.Version != "" {
			fmt.Fprintf(&buf, "    version %s\n", quote(e.Version))
		}
		if !e.IsRoot() {
			if e.Resolved != "" {
				fmt.Fprintf(&buf, "    resolved %s\n", quote(e.Resolved))
			}
			if e.Integrity != "" {
				fmt.Fprintf(&buf, "    integrity %s\n", quote(e.Integrity))
			}
		}
		renderDeps(&buf, "dependencies", e.Dependencies)
		renderDeps(&buf, "devDependencies", e.DevDependencies)
		renderDeps(&buf, "optionalDependencies", e.OptionalDependencies)
		renderDeps(&buf, "peerDependencies", e.PeerDependencies)
		buf.WriteString("}\n")
	}
	return buf.Bytes()
}

// Parse reads the canonical format. The grammar is line-oriented: a node
// header opens a brace block, fields are `ident "value"` lines, dependency
// tables are nested one level.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var cur *Entry
	var curDeps map[string]string
	lineno := 0

	fail := func(msg string) error {
		return engerr.New(engerr.CodeParseLockfile, map[string]any{"line": lineno, "reason": msg}, nil)
	}

	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		fields, err := splitFields(line)
		if err != nil {
			return nil, fail(err.Error())
		}
		switch {
		case fields[0] == "lockfile-version":
			if len(fields) != 2 {
				return nil, fail("malformed lockfile-version")
			}
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fail("malformed lockfile-version")
			}
			doc.Version = v
		case fields[0] == "root" && last(fields) == "{":
			if cur != nil {
				return nil, fail("unterminated node")
			}
			doc.Entries = append(doc.Entries, Entry{})
			cur = &doc.Entries[len(doc.Entries)-1]
		case fields[0] == "pkg" && last(fields) == "{":
			if cur != nil {
				return nil, fail("unterminated node")
			}
			if len(fields) != 3 {
				return nil, fail("malformed pkg header")
			}
			doc.Entries = append(doc.Entries, Entry{Path: fields[1]})
			cur = &doc.Entries[len(doc.Entries)-1]
		case line == "}":
			switch {
			case curDeps != nil:
				curDeps = nil
			case cur != nil:
				cur = nil
			default:
				return nil, fail("unbalanced brace")
			}
		case cur == nil:
			return nil, fail("field outside node")
		case curDeps != nil:
			if len(fields) != 2 {
				return nil, fail("malformed dependency line")
			}
			curDeps[fields[0]] = fields[1]
		case last(fields) == "{":
			if len(fields) != 2 {
				return nil, fail("malformed table header")
			}
			curDeps = map[string]string{}
			switch fields[0] {
			case "dependencies":
				cur.Dependencies = curDeps
			case "devDependencies":
				cur.DevDependencies = curDeps
			case "optionalDependencies":
				cur.OptionalDependencies = curDeps
			case "peerDependencies":
				cur.PeerDependencies = curDeps
			default:
				return nil, fail("unknown table " + fields[0])
			}
		default:
			if len(fields) != 2 {
				return nil, fail("malformed field line")
			}
			switch fields[0] {
			case "name":
				cur.Name = fields[1]
			case "version":
				cur.Version = fields[1]
			case "resolved":
				cur.Resolved = fields[1]
			case "integrity":
				cur.Integrity = fields[1]
			default:
				return nil, fail("unknown field " + fields[0])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, engerr.New(engerr.CodeParseLockfile, nil, err)
	}
	if cur != nil || curDeps != nil {
		lineno++
		return nil, fail("unterminated block at end of document")
	}
	doc.Sort()
	return doc, nil
}

func last(fields []string) string { return fields[len(fields)-1] }

// splitFields tokenizes one line into bare words and unquoted string
// literals.
func splitFields(line string) ([]string, error) {
	var out []string
	i := 0
	for i < len(line) {
		switch {
		case line[i] == ' ' || line[i] == '\t':
			i++
		case line[i] == '"':
			end := i + 1
			for end < len(line) {
				if line[end] == '\\' {
					end += 2
					continue
				}
				if line[end] == '"' {
					break
				}
				end++
			}
			if end >= len(line) {
				return nil, fmt.Errorf("unterminated string")
			}
			s, err := strconv.Unquote(line[i : end+1])
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			i = end + 1
		default:
			end := i
			for end < len(line) && line[end] != ' ' && line[end] != '\t' {
				end++
			}
			out = append(out, line[i:end])
			i = end
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	return out, nil
}

// legacyPackage is one entry of package-lock.json's "packages" map.
type legacyPackage struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Resolved             string            `json:"resolved"`
	Integrity            string            `json:"integrity"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
}

type legacyDocument struct {
	Name            string                   `json:"name"`
	Version         string                   `json:"version"`
	LockfileVersion int                      `json:"lockfileVersion"`
	Packages        map[string]legacyPackage `json:"packages"`
}

// ParseLegacyJSON converts an npm package-lock.json (v2/v3, the "packages"
// form) into a Document. The legacy format is import-only.
func ParseLegacyJSON(data []byte) (*Document, error) {
	var legacy legacyDocument
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, engerr.New(engerr.CodeParseLockfile, map[string]any{"format": "json"}, err)
	}
	if legacy.Packages == nil {
		return nil, engerr.New(engerr.CodeParseLockfile, map[string]any{
			"format": "json",
			"reason": fmt.Sprintf("unsupported lockfileVersion %d (no packages map)", legacy.LockfileVersion),
		}, nil)
	}
	doc := &Document{Version: FormatVersion}
	for path, p := range legacy.Packages {
		name := p.Name
		if name == "" && path != "" {
			name = nameFromPath(path)
		}
		if name == "" && path == "" {
			name = legacy.Name
		}
		doc.Entries = append(doc.Entries, Entry{
			Path:                 path,
			Name:                 name,
			Version:              p.Version,
			Resolved:             p.Resolved,
			Integrity:            p.Integrity,
			Dependencies:         p.Dependencies,
			DevDependencies:      p.DevDependencies,
			OptionalDependencies: p.OptionalDependencies,
			PeerDependencies:     p.PeerDependencies,
		})
	}
	doc.Sort()
	return doc, nil
}

// nameFromPath recovers the package name from a logical path, honouring
// scoped (@org/name) final segments.
func nameFromPath(path string) string {
	const marker = "node_modules/"
	i := strings.LastIndex(path, marker)
	if i < 0 {
		return path
	}
	return path[i+len(marker):]
}

// Load reads the lockfile for dir, preferring the canonical format and
// falling back to the legacy JSON import. ok is false when neither exists.
func Load(dir string) (doc *Document, ok bool, err error) {
	if data, rerr := os.ReadFile(filepath.Join(dir, Name)); rerr == nil {
		d, perr := Parse(data)
		if perr != nil {
			return nil, false, perr
		}
		return d, true, nil
	} else if !os.IsNotExist(rerr) {
		return nil, false, engerr.New(engerr.CodeCacheIO, map[string]any{"path": Name}, rerr)
	}
	if data, rerr := os.ReadFile(filepath.Join(dir, LegacyName)); rerr == nil {
		d, perr := ParseLegacyJSON(data)
		if perr != nil {
			return nil, false, perr
		}
		return d, true, nil
	} else if !os.IsNotExist(rerr) {
		return nil, false, engerr.New(engerr.CodeCacheIO, map[string]any{"path": LegacyName}, rerr)
	}
	return nil, false, nil
}

// WriteAtomic renders d and writes it as dir's canonical lockfile via a
// temp file and rename.
func (d *Document) WriteAtomic(dir string) error {
	target := filepath.Join(dir, Name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, d.Render(), 0o666); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"path": tmp}, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return engerr.New(engerr.CodeCacheIO, map[string]any{"path": target}, err)
	}
	return nil
}
