package fetcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/orogene/orogene-sub001/internal/integrity"
	"github.com/orogene/orogene-sub001/internal/pkgspec"
	"github.com/orogene/orogene-sub001/internal/tarball"
)

func writeFixturePackage(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestForDispatchesOnSpecKind(t *testing.T) {
	dirSpec, err := pkgspec.Parse("./local", "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := For(dirSpec, Options{}).(*DirFetcher); !ok {
		t.Fatal("dir spec did not dispatch to DirFetcher")
	}
	gitSpec, err := pkgspec.Parse("git+https://github.com/o/r#main", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := For(gitSpec, Options{}).(*GitFetcher); !ok {
		t.Fatal("git spec did not dispatch to GitFetcher")
	}
	npmSpec, err := pkgspec.Parse("lodash@^4.0.0", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := For(npmSpec, Options{}).(*RegistryFetcher); !ok {
		t.Fatal("npm spec did not dispatch to RegistryFetcher")
	}
	// Alias dispatch follows the unwrapped target.
	aliasSpec, err := pkgspec.Parse("local@file:./pkg", "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := For(aliasSpec, Options{}).(*DirFetcher); !ok {
		t.Fatal("aliased dir spec did not dispatch to DirFetcher")
	}
}

func TestDirFetcherSynthesisesPackument(t *testing.T) {
	dir := writeFixturePackage(t, `{"name":"local-pkg","version":"0.3.0","dependencies":{"a":"^1.0.0"}}`)
	spec, err := pkgspec.Parse(dir, "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f := &DirFetcher{}
	ctx := context.Background()

	name, err := f.Name(ctx, spec)
	if err != nil || name != "local-pkg" {
		t.Fatalf("Name = %q, %v", name, err)
	}
	p, err := f.Packument(ctx, spec)
	if err != nil {
		t.Fatalf("Packument: %v", err)
	}
	if p.DistTags["latest"] != "0.3.0" {
		t.Fatalf("latest = %q", p.DistTags["latest"])
	}
	vm, ok := p.Versions["0.3.0"]
	if !ok || vm.Dependencies["a"] != "^1.0.0" {
		t.Fatalf("versions = %+v", p.Versions)
	}
}

func TestDirFetcherNamesUnnamedPackageAfterDirectory(t *testing.T) {
	dir := writeFixturePackage(t, `{"version":"1.0.0"}`)
	spec, err := pkgspec.Parse(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	name, err := (&DirFetcher{}).Name(context.Background(), spec)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if name != filepath.Base(dir) {
		t.Fatalf("name = %q, want %q", name, filepath.Base(dir))
	}
}

func TestDirFetcherTarballRoundTrips(t *testing.T) {
	dir := writeFixturePackage(t, `{"name":"local-pkg","version":"0.3.0"}`)
	f := &DirFetcher{}
	pkg := &Package{
		Name:       "local-pkg",
		Resolution: Resolution{Kind: ResolvedDir, Path: dir},
	}
	rc, err := f.Tarball(context.Background(), pkg)
	if err != nil {
		t.Fatalf("Tarball: %v", err)
	}
	defer rc.Close()

	r, err := tarball.NewReader(rc, integrity.Integrity{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var paths []string
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e.Type == tarball.TypeFile {
			paths = append(paths, e.Path)
			io.Copy(io.Discard, e.Body)
		}
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want package.json and index.js", paths)
	}
}

func TestResolutionIDForms(t *testing.T) {
	tests := []struct {
		res  Resolution
		want string
	}{
		{Resolution{Kind: ResolvedDir, Path: "/src/pkg"}, "file:/src/pkg"},
		{Resolution{Kind: ResolvedGit, Host: "github.com", Owner: "o", Repo: "r", Commit: "abc123"},
			"git+https://github.com/o/r#abc123"},
		{Resolution{Kind: ResolvedNpm, TarballURL: "https://r/a-1.0.0.tgz"}, "https://r/a-1.0.0.tgz"},
	}
	for _, tc := range tests {
		if got := tc.res.ID(); got != tc.want {
			t.Errorf("ID() = %q, want %q", got, tc.want)
		}
	}
}
