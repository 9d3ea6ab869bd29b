package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/packument"
	"github.com/orogene/orogene-sub001/internal/pkgspec"
	"github.com/orogene/orogene-sub001/internal/tarball"
)

// GitFetcher serves git-hosted packages: the repository is cloned into a
// cache location, the committish resolved to a commit, and the packument
// synthesised from the committed package.json. Tarballs come from
// `git archive`, re-wrapped with the conventional package/ prefix.
type GitFetcher struct {
	CloneDir string

	clones singleflight.Group
}

func gitURL(t pkgspec.Spec) string {
	return fmt.Sprintf("https://%s/%s/%s.git", t.Host, t.Owner, t.Repo)
}

func (f *GitFetcher) clonePath(t pkgspec.Spec) string {
	return filepath.Join(f.CloneDir, t.Host, t.Owner, t.Repo)
}

// ensureClone clones (or fetches into) the cache copy of t's repository,
// single-flighted so concurrent resolvers share one clone, and returns the
// commit hash t's committish resolves to.
func (f *GitFetcher) ensureClone(ctx context.Context, t pkgspec.Spec) (string, string, error) {
	dir := f.clonePath(t)
	_, err, _ := f.clones.Do(dir, func() (any, error) {
		if _, statErr := os.Stat(filepath.Join(dir, "HEAD")); statErr == nil {
			cmd := exec.CommandContext(ctx, "git", "--git-dir", dir, "fetch", "--tags", "origin")
			if out, fetchErr := cmd.CombinedOutput(); fetchErr != nil {
				return nil, engerr.New(engerr.CodeFetchIO, map[string]any{
					"repo": gitURL(t), "output": strings.TrimSpace(string(out)),
				}, fetchErr)
			}
			return nil, nil
		}
		if mkErr := os.MkdirAll(filepath.Dir(dir), 0o777); mkErr != nil {
			return nil, engerr.New(engerr.CodeCacheIO, nil, mkErr)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", "--bare", gitURL(t), dir)
		if out, cloneErr := cmd.CombinedOutput(); cloneErr != nil {
			return nil, engerr.New(engerr.CodeFetchIO, map[string]any{
				"repo": gitURL(t), "output": strings.TrimSpace(string(out)),
			}, cloneErr)
		}
		return nil, nil
	})
	if err != nil {
		return "", "", err
	}

	committish := t.Committish
	if committish == "" {
		committish = "HEAD"
	}
	out, err := exec.CommandContext(ctx, "git", "--git-dir", dir, "rev-parse", committish+"^{commit}").Output()
	if err != nil {
		return "", "", engerr.New(engerr.CodeFetchIO, map[string]any{
			"repo": gitURL(t), "committish": committish,
		}, err)
	}
	return dir, strings.TrimSpace(string(out)), nil
}

// ResolveCommit resolves spec's committish to a pinned commit hash,
// cloning if needed. The resolver uses this to build a git Resolution.
func (f *GitFetcher) ResolveCommit(ctx context.Context, spec pkgspec.Spec) (string, error) {
	_, commit, err := f.ensureClone(ctx, spec.Target())
	return commit, err
}

func (f *GitFetcher) manifestAt(ctx context.Context, dir, commit string) (packument.VersionMetadata, error) {
	out, err := exec.CommandContext(ctx, "git", "--git-dir", dir, "show", commit+":package.json").Output()
	if err != nil {
		return packument.VersionMetadata{}, engerr.New(engerr.CodePackageNotFound, map[string]any{
			"repo": dir, "commit": commit,
		}, err)
	}
	return ParseManifest(out, dir)
}

func (f *GitFetcher) Name(ctx context.Context, spec pkgspec.Spec) (string, error) {
	t := spec.Target()
	dir, commit, err := f.ensureClone(ctx, t)
	if err != nil {
		return "", err
	}
	vm, err := f.manifestAt(ctx, dir, commit)
	if err != nil {
		return "", err
	}
	if vm.Name == "" {
		return t.Repo, nil
	}
	return vm.Name, nil
}

func (f *GitFetcher) Packument(ctx context.Context, spec pkgspec.Spec) (*packument.Packument, error) {
	t := spec.Target()
	dir, commit, err := f.ensureClone(ctx, t)
	if err != nil {
		return nil, err
	}
	vm, err := f.manifestAt(ctx, dir, commit)
	if err != nil {
		return nil, err
	}
	if vm.Version == "" {
		vm.Version = "0.0.0"
	}
	engctx.GetLogger(ctx).WithFields(map[string]any{"repo": gitURL(t), "commit": commit}).Debug("fetcher: synthesised git packument")
	return &packument.Packument{
		Versions: map[string]packument.VersionMetadata{vm.Version: vm},
		DistTags: map[string]string{"latest": vm.Version},
	}, nil
}

func (f *GitFetcher) Metadata(ctx context.Context, pkg *Package) (packument.VersionMetadata, error) {
	r := pkg.Resolution
	dir := filepath.Join(f.CloneDir, r.Host, r.Owner, r.Repo)
	return f.manifestAt(ctx, dir, r.Commit)
}

// Tarball runs `git archive` at the resolved commit and gzips it with the
// package/ prefix registries use, so the downstream pipeline is identical
// for every source.
func (f *GitFetcher) Tarball(ctx context.Context, pkg *Package) (io.ReadCloser, error) {
	r := pkg.Resolution
	dir := filepath.Join(f.CloneDir, r.Host, r.Owner, r.Repo)
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", "--git-dir", dir, "archive", "--format=tar", "--prefix=package/", r.Commit)
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return nil, engerr.New(engerr.CodeFetchIO, map[string]any{"repo": dir, "commit": r.Commit}, err)
	}
	return tarball.GzipStream(&buf), nil
}
