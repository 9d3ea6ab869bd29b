// Package fetcher is the uniform facade over package sources (spec.md
// §4.6): registry, local directory, and git. A Fetcher exposes the small
// closed capability set {Name, Packument, Metadata, Tarball}; dispatch is a
// tagged switch over the spec variant rather than an open plugin registry,
// per the design notes. Fetchers are stateless beyond their configuration;
// packument caching lives in the packument client, not here.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/fetch"
	"github.com/orogene/orogene-sub001/internal/integrity"
	"github.com/orogene/orogene-sub001/internal/packument"
	"github.com/orogene/orogene-sub001/internal/pkgspec"
	"github.com/orogene/orogene-sub001/internal/semver"
	"github.com/orogene/orogene-sub001/internal/tarball"
)

// ResolutionKind discriminates Resolution variants.
type ResolutionKind int

const (
	ResolvedNpm ResolutionKind = iota
	ResolvedDir
	ResolvedGit
)

// Resolution identifies, alone, the exact bytes that will be installed
// (spec.md §3's invariant). It is produced by the resolver, written to the
// lockfile, and never mutated.
type Resolution struct {
	Kind ResolutionKind

	// Npm
	Version    semver.Version
	TarballURL string
	Integrity  integrity.Integrity

	// Dir
	Path string

	// Git
	Host, Owner, Repo string
	Commit            string
}

// ID renders the resolution's "resolved" identifier: the tarball URL for
// registry packages, the path for directories, and the pinned-commit git
// URL for git packages. This is the lockfile's `resolved` field and the
// realiser's content key.
func (r Resolution) ID() string {
	switch r.Kind {
	case ResolvedNpm:
		return r.TarballURL
	case ResolvedDir:
		return "file:" + r.Path
	case ResolvedGit:
		return fmt.Sprintf("git+https://%s/%s/%s#%s", r.Host, r.Owner, r.Repo, r.Commit)
	}
	return ""
}

// Package pairs a name with its Resolution and the fetcher that produced
// it, the (name, Resolution, fetcher-handle) triple graph nodes own.
type Package struct {
	Name       string
	Resolution Resolution
	Metadata   packument.VersionMetadata
	Fetcher    Fetcher
}

// Fetcher is the capability set every source variant implements.
type Fetcher interface {
	// Name reports the package name spec resolves to, reading the target
	// manifest when the spec itself does not carry one (dir, git).
	Name(ctx context.Context, spec pkgspec.Spec) (string, error)
	// Packument returns the version index for spec's package.
	Packument(ctx context.Context, spec pkgspec.Spec) (*packument.Packument, error)
	// Metadata returns the version metadata backing pkg's resolution.
	Metadata(ctx context.Context, pkg *Package) (packument.VersionMetadata, error)
	// Tarball opens the gzip-compressed tarball stream for pkg.
	Tarball(ctx context.Context, pkg *Package) (io.ReadCloser, error)
}

// Options configures fetcher construction.
type Options struct {
	Packuments *packument.Client
	HTTP       *fetch.Client
	Registry   string
	// GitDir is where git sources are cloned (a subtree of the cache root).
	GitDir string
}

// For dispatches spec (alias-unwrapped) to its source's fetcher.
func For(spec pkgspec.Spec, opts Options) Fetcher {
	switch spec.Target().Kind {
	case pkgspec.KindDir:
		return &DirFetcher{}
	case pkgspec.KindGit:
		return &GitFetcher{CloneDir: opts.GitDir}
	default:
		return &RegistryFetcher{Packuments: opts.Packuments, HTTP: opts.HTTP, Registry: opts.Registry}
	}
}

// RegistryFetcher serves npm-registry packages: packument from
// <registry>/<name>, tarball from the resolution's dist.tarball URL.
type RegistryFetcher struct {
	Packuments *packument.Client
	HTTP       *fetch.Client
	Registry   string
}

func (f *RegistryFetcher) Name(ctx context.Context, spec pkgspec.Spec) (string, error) {
	t := spec.Target()
	if t.Name == "" {
		return "", engerr.New(engerr.CodeParseSpec, map[string]any{"spec": spec.String()}, nil)
	}
	return t.Name, nil
}

func (f *RegistryFetcher) Packument(ctx context.Context, spec pkgspec.Spec) (*packument.Packument, error) {
	name, err := f.Name(ctx, spec)
	if err != nil {
		return nil, err
	}
	return f.Packuments.Packument(ctx, name)
}

func (f *RegistryFetcher) Metadata(ctx context.Context, pkg *Package) (packument.VersionMetadata, error) {
	p, err := f.Packuments.Packument(ctx, pkg.Metadata.Name)
	if err != nil {
		return packument.VersionMetadata{}, err
	}
	vm, ok := p.Versions[pkg.Resolution.Version.String()]
	if !ok {
		return packument.VersionMetadata{}, engerr.New(engerr.CodeNoMatchingVersion, map[string]any{
			"name": pkg.Metadata.Name,
			"spec": pkg.Resolution.Version.String(),
		}, nil)
	}
	return vm, nil
}

func (f *RegistryFetcher) Tarball(ctx context.Context, pkg *Package) (io.ReadCloser, error) {
	resp, err := f.HTTP.Get(ctx, f.Registry, pkg.Resolution.TarballURL, fetch.Options{
		Accept: "application/octet-stream",
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DirFetcher serves local-directory packages: the packument is synthesised
// from the directory's package.json, the tarball by packing the directory.
type DirFetcher struct{}

func (f *DirFetcher) dir(spec pkgspec.Spec) string {
	t := spec.Target()
	if filepath.IsAbs(t.Path) {
		return filepath.Clean(t.Path)
	}
	return filepath.Join(t.From, t.Path)
}

func (f *DirFetcher) manifest(spec pkgspec.Spec) (packument.VersionMetadata, error) {
	dir := f.dir(spec)
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return packument.VersionMetadata{}, engerr.New(engerr.CodePackageNotFound, map[string]any{"dir": dir}, err)
	}
	vm, err := ParseManifest(data, dir)
	if err != nil {
		return packument.VersionMetadata{}, err
	}
	if vm.Name == "" {
		vm.Name = resolveDirName(dir)
	}
	return vm, nil
}

func (f *DirFetcher) Name(ctx context.Context, spec pkgspec.Spec) (string, error) {
	vm, err := f.manifest(spec)
	if err != nil {
		return "", err
	}
	return vm.Name, nil
}

func (f *DirFetcher) Packument(ctx context.Context, spec pkgspec.Spec) (*packument.Packument, error) {
	vm, err := f.manifest(spec)
	if err != nil {
		return nil, err
	}
	if vm.Version == "" {
		vm.Version = "0.0.0"
	}
	return &packument.Packument{
		Versions: map[string]packument.VersionMetadata{vm.Version: vm},
		DistTags: map[string]string{"latest": vm.Version},
	}, nil
}

func (f *DirFetcher) Metadata(ctx context.Context, pkg *Package) (packument.VersionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(pkg.Resolution.Path, "package.json"))
	if err != nil {
		return packument.VersionMetadata{}, engerr.New(engerr.CodePackageNotFound, map[string]any{"dir": pkg.Resolution.Path}, err)
	}
	return ParseManifest(data, pkg.Resolution.Path)
}

func (f *DirFetcher) Tarball(ctx context.Context, pkg *Package) (io.ReadCloser, error) {
	return tarball.Pack(pkg.Resolution.Path)
}

// ParseManifest parses a package.json document, annotating syntax errors
// with the path for diagnostics.
func ParseManifest(data []byte, from string) (packument.VersionMetadata, error) {
	var vm packument.VersionMetadata
	if err := json.Unmarshal(data, &vm); err != nil {
		return packument.VersionMetadata{}, engerr.New(engerr.CodeParsePackument, map[string]any{"path": from}, err)
	}
	return vm, nil
}

// resolveDirName mirrors the registry convention of naming an unnamed
// local package after its directory.
func resolveDirName(dir string) string {
	base := filepath.Base(dir)
	return strings.ToLower(base)
}
