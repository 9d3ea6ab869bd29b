// Package realize materialises a resolved dependency graph into a
// node_modules/ tree (spec.md §4.8). Tarballs are pulled through the L3
// pipeline once per resolution: the verbatim wire bytes land in the CAS,
// the verified entries in an unpacked side tree under the cache root, and
// every placement then links out of that unpacked tree with the cheapest
// method the destination filesystem supports (reflink, hardlink, copy).
// The compressed CAS blob format cannot be linked into place directly, so
// the unpacked tree is the link source; see DESIGN.md.
package realize

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/orogene/orogene-sub001/internal/cas"
	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/fetcher"
	"github.com/orogene/orogene-sub001/internal/integrity"
	"github.com/orogene/orogene-sub001/internal/packument"
	"github.com/orogene/orogene-sub001/internal/resolver"
	"github.com/orogene/orogene-sub001/internal/tarball"
)

const (
	unpackedDirName = "unpacked-v1"
	unpackedMeta    = ".oro-files.json"
	placedMeta      = ".oro-meta.json"
	tarballKey      = "oro:tarball:"
)

// Realizer writes dependency graphs to disk.
type Realizer struct {
	Cache    *cas.Cache
	CacheDir string
	// Workers bounds the placement pool; zero means min(64, 4×CPU).
	Workers int
	// Validate re-hashes every on-disk file before trusting a prior
	// placement.
	Validate bool
	// PreferCopy forces full copies instead of links, isolating projects
	// that share a cache.
	PreferCopy bool

	unpack singleflight.Group
	writes atomic.Int64
}

// Stats summarises one realisation. Writes counts filesystem mutations;
// an immediately repeated realisation reports zero.
type Stats struct {
	Placed  int
	Skipped int
	Removed int
	Writes  int64
}

// placedMarker records what a destination directory holds, enabling the
// diff pass to skip unchanged packages.
type placedMarker struct {
	Resolved string               `json:"resolved"`
	Files    []tarball.FileRecord `json:"files"`
}

type placement struct {
	node    *resolver.Node
	relPath string // slash-separated logical path
	dest    string
}

// Realize diffs g against projectDir's existing tree and installs,
// replaces, or removes packages until the tree matches, then regenerates
// the .bin shim directories. Placements for distinct nodes run on a
// bounded pool; shims wait for the pool to drain.
func (r *Realizer) Realize(ctx context.Context, g *resolver.Graph, projectDir string) (Stats, error) {
	startWrites := r.writes.Load()
	var stats Stats

	placements := make([]placement, 0, len(g.Nodes)-1)
	byRel := map[string]bool{}
	for _, n := range g.Nodes {
		if n.Index == g.Root {
			continue
		}
		rel := g.PathOf(n.Index)
		placements = append(placements, placement{
			node:    n,
			relPath: rel,
			dest:    filepath.Join(projectDir, filepath.FromSlash(rel)),
		})
		byRel[rel] = true
	}
	sort.Slice(placements, func(i, j int) bool { return placements[i].relPath < placements[j].relPath })

	removed, err := r.removeStale(ctx, projectDir, byRel)
	if err != nil {
		return stats, err
	}
	stats.Removed = removed

	workers := r.Workers
	if workers <= 0 {
		workers = 4 * runtime.NumCPU()
		if workers > 64 {
			workers = 64
		}
	}

	var mu sync.Mutex
	manifests := map[string]packument.VersionMetadata{}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, pl := range placements {
		pl := pl
		eg.Go(func() error {
			skipped, vm, err := r.placeNode(ectx, pl)
			if err != nil {
				return err
			}
			mu.Lock()
			if skipped {
				stats.Skipped++
			} else {
				stats.Placed++
			}
			manifests[pl.relPath] = vm
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return stats, err
	}

	if err := r.writeBinShims(ctx, projectDir, placements, manifests); err != nil {
		return stats, err
	}

	stats.Writes = r.writes.Load() - startWrites
	engctx.GetLogger(ctx).WithFields(map[string]any{
		"placed": stats.Placed, "skipped": stats.Skipped, "removed": stats.Removed, "writes": stats.Writes,
	}).Debug("realize: done")
	return stats, nil
}

// removeStale deletes every previously-placed package directory that the
// new graph no longer contains.
func (r *Realizer) removeStale(ctx context.Context, projectDir string, keep map[string]bool) (int, error) {
	nm := filepath.Join(projectDir, "node_modules")
	if _, err := os.Stat(nm); os.IsNotExist(err) {
		return 0, nil
	}
	var stale []string
	err := filepath.Walk(nm, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		if _, merr := os.Stat(filepath.Join(path, placedMeta)); merr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(projectDir, path)
		if rerr != nil {
			return nil
		}
		if !keep[filepath.ToSlash(rel)] {
			stale = append(stale, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, engerr.New(engerr.CodeCacheIO, map[string]any{"dir": nm}, err)
	}
	for _, path := range stale {
		if err := os.RemoveAll(path); err != nil {
			return 0, engerr.New(engerr.CodeRealiseConflict, map[string]any{"path": path}, err)
		}
		r.writes.Add(1)
	}
	return len(stale), nil
}

// placeNode installs one node unless the existing placement still matches.
func (r *Realizer) placeNode(ctx context.Context, pl placement) (skipped bool, vm packument.VersionMetadata, err error) {
	id := pl.node.Package.Resolution.ID()

	if marker, ok := readMarker(pl.dest); ok && marker.Resolved == id {
		if !r.Validate || r.validateFiles(pl.dest, marker.Files) {
			vm, err := r.manifestFor(ctx, pl)
			return true, vm, err
		}
	} else if ok {
		// Different contents at the destination: reconcile by
		// delete-and-write.
		if err := os.RemoveAll(pl.dest); err != nil {
			return false, vm, engerr.New(engerr.CodeRealiseConflict, map[string]any{"path": pl.dest}, err)
		}
		r.writes.Add(1)
	} else if _, serr := os.Stat(pl.dest); serr == nil {
		if err := os.RemoveAll(pl.dest); err != nil {
			return false, vm, engerr.New(engerr.CodeRealiseConflict, map[string]any{"path": pl.dest}, err)
		}
		r.writes.Add(1)
	}

	unpacked, records, err := r.ensureUnpacked(ctx, pl.node.Package)
	if err != nil {
		return false, vm, err
	}

	if err := r.linkTree(ctx, unpacked, pl.dest); err != nil {
		return false, vm, err
	}
	if err := writeMarker(pl.dest, placedMarker{Resolved: id, Files: records}); err != nil {
		return false, vm, err
	}
	r.writes.Add(1)

	vm, err = r.manifestFor(ctx, pl)
	return false, vm, err
}

// manifestFor reads the placed package's own package.json; bins and
// scripts come from here so the lockfile fast path needs no metadata
// refetch.
func (r *Realizer) manifestFor(ctx context.Context, pl placement) (packument.VersionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(pl.dest, "package.json"))
	if err != nil {
		// A package without a manifest has no bins to shim.
		if os.IsNotExist(err) {
			return packument.VersionMetadata{Name: pl.node.Name}, nil
		}
		return packument.VersionMetadata{}, engerr.New(engerr.CodeCacheIO, map[string]any{"path": pl.dest}, err)
	}
	return fetcher.ParseManifest(data, pl.dest)
}

func (r *Realizer) validateFiles(dest string, records []tarball.FileRecord) bool {
	for _, rec := range records {
		integ, err := integrity.Parse(rec.Integrity)
		if err != nil {
			return false
		}
		f, err := os.Open(filepath.Join(dest, filepath.FromSlash(rec.Path)))
		if err != nil {
			return false
		}
		checker, err := integrity.NewChecker(integ)
		if err != nil {
			f.Close()
			return false
		}
		buf := make([]byte, 64*1024)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				checker.Update(buf[:n])
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				f.Close()
				return false
			}
		}
		f.Close()
		if _, err := checker.Finalize(); err != nil {
			return false
		}
	}
	return true
}

// unpackedPath splays a resolution id under the unpacked tree the same way
// the CAS splays content digests.
func (r *Realizer) unpackedPath(id string) string {
	sum := sha256.Sum256([]byte(id))
	hex := fmt.Sprintf("%x", sum[:])
	return filepath.Join(r.CacheDir, unpackedDirName, hex[0:2], hex[2:4], hex[4:])
}

// ensureUnpacked fetches, verifies, and extracts pkg's tarball exactly
// once per resolution id (single-flighted across concurrent placements),
// teeing the wire bytes into the CAS as they stream. An integrity
// mismatch aborts the CAS writer so no partial blob or index entry
// survives.
func (r *Realizer) ensureUnpacked(ctx context.Context, pkg *fetcher.Package) (string, []tarball.FileRecord, error) {
	id := pkg.Resolution.ID()
	dir := r.unpackedPath(id)

	type unpacked struct {
		dir     string
		records []tarball.FileRecord
	}
	v, err, _ := r.unpack.Do(id, func() (any, error) {
		if records, ok := readRecords(dir); ok {
			// Placements may be hardlinks into this tree, so in validate
			// mode the tree itself is re-hashed and re-extracted on mismatch.
			if !r.Validate || r.validateFiles(dir, records) {
				return unpacked{dir: dir, records: records}, nil
			}
			os.RemoveAll(dir)
		}

		body, err := pkg.Fetcher.Tarball(ctx, pkg)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var casW *cas.Writer
		var src io.Reader = body
		if r.Cache != nil {
			casW, err = r.Cache.Writer(ctx, tarballKey+id)
			if err != nil {
				return nil, err
			}
			src = io.TeeReader(body, casW)
		}
		abort := func() {
			if casW != nil {
				casW.Abort()
			}
		}

		tr, err := tarball.NewReader(src, pkg.Resolution.Integrity)
		if err != nil {
			abort()
			return nil, err
		}

		tmp := dir + ".tmp"
		os.RemoveAll(tmp)
		if err := os.MkdirAll(tmp, 0o777); err != nil {
			abort()
			return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"dir": tmp}, err)
		}
		records, err := tarball.Extract(ctx, tr, tmp)
		if err != nil {
			abort()
			os.RemoveAll(tmp)
			return nil, err
		}
		if err := writeRecords(tmp, records); err != nil {
			abort()
			os.RemoveAll(tmp)
			return nil, err
		}
		if casW != nil {
			if _, err := casW.Commit(ctx); err != nil {
				os.RemoveAll(tmp)
				return nil, err
			}
		}
		if err := os.Rename(tmp, dir); err != nil {
			// Another process won the race; its tree is equivalent.
			if _, serr := os.Stat(dir); serr != nil {
				os.RemoveAll(tmp)
				return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"dir": dir}, err)
			}
			os.RemoveAll(tmp)
		}
		return unpacked{dir: dir, records: records}, nil
	})
	if err != nil {
		return "", nil, err
	}
	u := v.(unpacked)
	return u.dir, u.records, nil
}

func readRecords(dir string) ([]tarball.FileRecord, bool) {
	data, err := os.ReadFile(filepath.Join(dir, unpackedMeta))
	if err != nil {
		return nil, false
	}
	var records []tarball.FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false
	}
	return records, true
}

func writeRecords(dir string, records []tarball.FileRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, nil, err)
	}
	if err := os.WriteFile(filepath.Join(dir, unpackedMeta), data, 0o666); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"dir": dir}, err)
	}
	return nil
}

func readMarker(dest string) (placedMarker, bool) {
	data, err := os.ReadFile(filepath.Join(dest, placedMeta))
	if err != nil {
		return placedMarker{}, false
	}
	var m placedMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return placedMarker{}, false
	}
	return m, true
}

func writeMarker(dest string, m placedMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, nil, err)
	}
	if err := os.WriteFile(filepath.Join(dest, placedMeta), data, 0o666); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"dest": dest}, err)
	}
	return nil
}

// linkTree replicates the unpacked tree at dest, placing files in
// lexicographic path order within the node.
func (r *Realizer) linkTree(ctx context.Context, unpacked, dest string) error {
	var paths []string
	err := filepath.Walk(unpacked, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == unpacked || info.Name() == unpackedMeta {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"dir": unpacked}, err)
	}
	sort.Strings(paths)

	if err := os.MkdirAll(dest, 0o777); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"dir": dest}, err)
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, rerr := filepath.Rel(unpacked, p)
		if rerr != nil {
			return engerr.New(engerr.CodeCacheIO, nil, rerr)
		}
		target := filepath.Join(dest, rel)
		info, lerr := os.Lstat(p)
		if lerr != nil {
			return engerr.New(engerr.CodeCacheIO, map[string]any{"path": p}, lerr)
		}
		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, 0o777); err != nil {
				return engerr.New(engerr.CodeCacheIO, map[string]any{"dir": target}, err)
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, rerr := os.Readlink(p)
			if rerr != nil {
				return engerr.New(engerr.CodeCacheIO, map[string]any{"path": p}, rerr)
			}
			os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return engerr.New(engerr.CodeCacheIO, map[string]any{"path": target}, err)
			}
			r.writes.Add(1)
		default:
			if err := r.linkFile(p, target, info.Mode()); err != nil {
				return err
			}
			r.writes.Add(1)
		}
	}
	return nil
}

// linkFile places one file with the cheapest available method: reflink
// when the filesystem supports copy-on-write clones, hardlink otherwise,
// buffered copy as the final fallback (and always under PreferCopy).
// Cross-volume link failures degrade to copy.
func (r *Realizer) linkFile(src, dst string, mode fs.FileMode) error {
	os.Remove(dst)
	if !r.PreferCopy {
		if err := reflink(src, dst); err == nil {
			return os.Chmod(dst, mode)
		}
		if err := os.Link(src, dst); err == nil {
			// Hardlinked content shares the source's mode already.
			return nil
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"path": src}, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"path": dst}, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"path": dst}, err)
	}
	return out.Chmod(mode)
}

// writeBinShims regenerates each node_modules level's .bin directory.
// Collisions resolve shallower-wins, ties broken by path order.
func (r *Realizer) writeBinShims(ctx context.Context, projectDir string, placements []placement, manifests map[string]packument.VersionMetadata) error {
	ordered := append([]placement(nil), placements...)
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := strings.Count(ordered[i].relPath, "/"), strings.Count(ordered[j].relPath, "/")
		if di != dj {
			return di < dj
		}
		return ordered[i].relPath < ordered[j].relPath
	})

	claimed := map[string]bool{} // binDir + "/" + name
	for _, pl := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		vm, ok := manifests[pl.relPath]
		if !ok {
			continue
		}
		bins := vm.BinEntries()
		if len(bins) == 0 {
			continue
		}
		binDir := filepath.Join(filepath.Dir(pl.dest), ".bin")
		names := make([]string, 0, len(bins))
		for name := range bins {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key := binDir + "/" + name
			if claimed[key] {
				continue
			}
			claimed[key] = true
			if err := r.writeShim(binDir, name, filepath.Join(pl.dest, filepath.FromSlash(bins[name]))); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeShim links binDir/name at target, marking the target executable.
// Symlinks are preferred; a filesystem refusing them gets a copy.
func (r *Realizer) writeShim(binDir, name, target string) error {
	if _, err := os.Stat(target); err != nil {
		// Declared bin missing from the package: skip rather than fail.
		return nil
	}
	if err := os.MkdirAll(binDir, 0o777); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"dir": binDir}, err)
	}
	if err := os.Chmod(target, 0o755); err != nil {
		return engerr.New(engerr.CodeCacheIO, map[string]any{"path": target}, err)
	}
	shim := filepath.Join(binDir, name)
	rel, err := filepath.Rel(binDir, target)
	if err != nil {
		rel = target
	}
	if existing, rerr := os.Readlink(shim); rerr == nil && existing == rel {
		return nil
	}
	os.Remove(shim)
	if err := os.Symlink(rel, shim); err != nil {
		if err := r.linkFile(target, shim, 0o755); err != nil {
			return err
		}
	}
	r.writes.Add(1)
	return nil
}
