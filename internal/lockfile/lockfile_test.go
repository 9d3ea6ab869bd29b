package lockfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func fixtureDoc() *Document {
	return &Document{
		Version: FormatVersion,
		Entries: []Entry{
			{
				Path:    "",
				Name:    "my-app",
				Version: "1.0.0",
				Dependencies: map[string]string{
					"a": "^1.0.0",
				},
				DevDependencies: map[string]string{
					"tap": "^16.0.0",
				},
			},
			{
				Path:      "node_modules/a",
				Name:      "a",
				Version:   "1.2.3",
				Resolved:  "https://registry.npmjs.org/a/-/a-1.2.3.tgz",
				Integrity: "sha512-dGVzdA==",
				Dependencies: map[string]string{
					"b": "^2.0.0",
				},
			},
			{
				Path:     "node_modules/a/node_modules/b",
				Name:     "b",
				Version:  "2.0.1",
				Resolved: "https://registry.npmjs.org/b/-/b-2.0.1.tgz",
			},
		},
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	doc := fixtureDoc()
	rendered := doc.Render()

	parsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Version != FormatVersion {
		t.Fatalf("version = %d", parsed.Version)
	}
	if len(parsed.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(parsed.Entries))
	}
	root, ok := parsed.Root()
	if !ok {
		t.Fatal("no root entry")
	}
	if root.Name != "my-app" || root.Resolved != "" || root.Integrity != "" {
		t.Fatalf("root = %+v", root)
	}
	a, ok := parsed.Lookup("node_modules/a")
	if !ok || a.Integrity != "sha512-dGVzdA==" || a.Dependencies["b"] != "^2.0.0" {
		t.Fatalf("a = %+v", a)
	}
}

// Rendering a parsed document reproduces the bytes exactly; the canonical
// form is a fixed point.
func TestRenderByteStability(t *testing.T) {
	first := fixtureDoc().Render()
	parsed, err := Parse(first)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	second := parsed.Render()
	if !bytes.Equal(first, second) {
		t.Fatalf("render not byte-stable:\n--- first\n%s\n--- second\n%s", first, second)
	}
}

func TestRenderOrdersEntriesAndDeps(t *testing.T) {
	doc := &Document{
		Version: FormatVersion,
		Entries: []Entry{
			{Path: "node_modules/zz", Name: "zz", Version: "1.0.0", Resolved: "u"},
			{Path: "", Name: "root", Version: "0.0.1", Dependencies: map[string]string{"zz": "*", "aa": "*"}},
			{Path: "node_modules/aa", Name: "aa", Version: "1.0.0", Resolved: "u"},
		},
	}
	rendered := string(doc.Render())
	rootAt := len("lockfile-version 1\n")
	if rendered[rootAt+1:rootAt+5] != "root" {
		t.Fatalf("root not first:\n%s", rendered)
	}
	aa := indexOf(rendered, `pkg "node_modules/aa"`)
	zz := indexOf(rendered, `pkg "node_modules/zz"`)
	if aa < 0 || zz < 0 || aa > zz {
		t.Fatalf("entries not alphabetical:\n%s", rendered)
	}
	da := indexOf(rendered, `"aa" "*"`)
	dz := indexOf(rendered, `"zz" "*"`)
	if da < 0 || dz < 0 || da > dz {
		t.Fatalf("deps not alphabetical:\n%s", rendered)
	}
}

func indexOf(s, sub string) int {
	return bytes.Index([]byte(s), []byte(sub))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"pkg \"x\" {\n", // unterminated
		"version \"1\"\n",
		"root {\nbogus-field \"v\"\n}\n",
		"root {\ndependencies {\n\"a\"\n}\n}\n",
	} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestLegacyJSONImport(t *testing.T) {
	legacy := []byte(`{
		"name": "my-app",
		"version": "1.0.0",
		"lockfileVersion": 3,
		"packages": {
			"": {"name": "my-app", "version": "1.0.0", "dependencies": {"a": "^1.0.0"}},
			"node_modules/a": {"version": "1.2.3", "resolved": "https://r/a-1.2.3.tgz", "integrity": "sha512-xx", "dependencies": {"b": "^2.0.0"}},
			"node_modules/a/node_modules/b": {"version": "2.0.1", "resolved": "https://r/b-2.0.1.tgz"}
		}
	}`)
	doc, err := ParseLegacyJSON(legacy)
	if err != nil {
		t.Fatalf("ParseLegacyJSON: %v", err)
	}
	if len(doc.Entries) != 3 {
		t.Fatalf("entries = %d", len(doc.Entries))
	}
	a, ok := doc.Lookup("node_modules/a")
	if !ok || a.Name != "a" || a.Version != "1.2.3" {
		t.Fatalf("a = %+v", a)
	}
	b, ok := doc.Lookup("node_modules/a/node_modules/b")
	if !ok || b.Name != "b" {
		t.Fatalf("b = %+v", b)
	}
}

func TestLoadPrefersCanonicalOverLegacy(t *testing.T) {
	dir := t.TempDir()
	if err := fixtureDoc().WriteAtomic(dir); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	os.WriteFile(filepath.Join(dir, LegacyName), []byte(`{"lockfileVersion":3,"packages":{"":{"name":"other"}}}`), 0o644)

	doc, ok, err := Load(dir)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	root, _ := doc.Root()
	if root.Name != "my-app" {
		t.Fatalf("loaded legacy instead of canonical: %+v", root)
	}
}

func TestLoadFallsBackToLegacy(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, LegacyName), []byte(`{"lockfileVersion":3,"packages":{"":{"name":"legacy-app","version":"2.0.0"}}}`), 0o644)
	doc, ok, err := Load(dir)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	root, _ := doc.Root()
	if root.Name != "legacy-app" {
		t.Fatalf("root = %+v", root)
	}
	// The legacy file is import-only: nothing was written back.
	if _, err := os.Stat(filepath.Join(dir, Name)); !os.IsNotExist(err) {
		t.Fatal("canonical lockfile appeared during a read")
	}
}

func TestLoadMissing(t *testing.T) {
	_, ok, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("ok for empty dir")
	}
}
