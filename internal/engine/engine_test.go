package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/orogene/orogene-sub001/internal/engconfig"
	"github.com/orogene/orogene-sub001/internal/integrity"
	"github.com/orogene/orogene-sub001/internal/lockfile"
)

// fixtureRegistry serves two packages, a@1.0.0 → b@2.0.0, with correct
// integrity.
func fixtureRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	type pkg struct {
		name, version string
		deps          map[string]string
	}
	pkgs := []pkg{
		{name: "a", version: "1.0.0", deps: map[string]string{"b": "^2.0.0"}},
		{name: "b", version: "2.0.0"},
	}

	tarballs := map[string][]byte{}
	integs := map[string]string{}
	for _, p := range pkgs {
		manifest, _ := json.Marshal(map[string]any{
			"name": p.name, "version": p.version, "dependencies": p.deps,
		})
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		for _, f := range []struct {
			name string
			body []byte
		}{
			{"package/package.json", manifest},
			{"package/index.js", []byte("module.exports = " + quoteVersion(p.version) + "\n")},
		} {
			tw.WriteHeader(&tar.Header{Name: f.name, Typeflag: tar.TypeReg, Size: int64(len(f.body)), Mode: 0o644})
			tw.Write(f.body)
		}
		tw.Close()
		gz.Close()
		key := p.name + "-" + p.version
		tarballs[key] = buf.Bytes()
		integ, err := integrity.Hash(buf.Bytes(), integrity.SHA512)
		if err != nil {
			t.Fatal(err)
		}
		integs[key] = integ.String()
	}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/tarballs/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tarballs/"), ".tgz")
		if wire, ok := tarballs[key]; ok {
			w.Write(wire)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		vs := map[string]any{}
		var latest string
		for _, p := range pkgs {
			if p.name != name {
				continue
			}
			key := p.name + "-" + p.version
			vs[p.version] = map[string]any{
				"name": p.name, "version": p.version, "dependencies": p.deps,
				"dist": map[string]any{
					"tarball":   fmt.Sprintf("%s/tarballs/%s.tgz", srv.URL, key),
					"integrity": integs[key],
				},
			}
			latest = p.version
		}
		if len(vs) == 0 {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"versions": vs, "dist-tags": map[string]string{"latest": latest},
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func quoteVersion(version string) string {
	return `"` + version + `"`
}

func TestInstallEndToEnd(t *testing.T) {
	srv := fixtureRegistry(t)
	project := t.TempDir()
	os.WriteFile(filepath.Join(project, "package.json"),
		[]byte(`{"name":"proj","version":"1.0.0","dependencies":{"a":"^1.0.0"}}`), 0o644)

	cfg := engconfig.Default()
	cfg.Registry = srv.URL
	cfg.CacheDir = t.TempDir()
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	report, err := eng.Install(ctx, project)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if report.Stats.Placed != 2 {
		t.Fatalf("placed = %d, want 2", report.Stats.Placed)
	}
	for _, rel := range []string{
		"node_modules/a/index.js",
		"node_modules/b/index.js",
		lockfile.Name,
	} {
		if _, err := os.Stat(filepath.Join(project, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}

	// A second install resolves from the lockfile and changes nothing.
	report2, err := eng.Install(ctx, project)
	if err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if report2.Stats.Writes != 0 || report2.Stats.Placed != 0 {
		t.Fatalf("second install stats = %+v", report2.Stats)
	}

	// The lockfile is byte-stable across installs.
	data, err := os.ReadFile(filepath.Join(project, lockfile.Name))
	if err != nil {
		t.Fatal(err)
	}
	doc, err := lockfile.Parse(data)
	if err != nil {
		t.Fatalf("lockfile unparseable: %v", err)
	}
	if !bytes.Equal(data, doc.Render()) {
		t.Fatal("written lockfile is not canonical")
	}
}
