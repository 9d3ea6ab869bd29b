package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/fetcher"
	"github.com/orogene/orogene-sub001/internal/integrity"
	"github.com/orogene/orogene-sub001/internal/lockfile"
	"github.com/orogene/orogene-sub001/internal/packument"
	"github.com/orogene/orogene-sub001/internal/pkgspec"
	"github.com/orogene/orogene-sub001/internal/semver"
)

// Resolver drives resolution. Fetchers supplies the packument client, the
// shared HTTP client, and source configuration; Dir anchors relative
// directory specs; Workers bounds concurrent metadata prefetches (zero
// means GOMAXPROCS).
type Resolver struct {
	Fetchers fetcher.Options
	Dir      string
	Workers  int
}

// workItem is one pending `(parent, name, spec, dep-type)` request.
type workItem struct {
	parent int
	name   string
	spec   string
	typ    DepType
}

// Resolve produces a fully-resolved graph for rootManifest. When lock is
// non-nil and consistent with the manifest, registry fetches are bypassed
// and the graph is reconstructed from it; inconsistency triggers partial
// re-resolution limited to the affected subtrees.
func (r *Resolver) Resolve(ctx context.Context, rootManifest packument.VersionMetadata, lock *lockfile.Document) (*Graph, error) {
	var g *Graph
	var queue []workItem

	if lock != nil {
		if fromLock, dirty, ok := r.fromLockfile(ctx, rootManifest, lock); ok {
			g = fromLock
			queue = dirty
			engctx.GetLogger(ctx).WithFields(map[string]any{
				"nodes": len(g.Nodes), "dirty": len(dirty),
			}).Debug("resolver: reconstructed graph from lockfile")
		}
	}
	if g == nil {
		g = newGraph(rootManifest)
		queue = seedDeps(g.Root, rootManifest, true)
	}

	// Breadth-first waves: each wave's packuments are prefetched
	// concurrently, then graph mutation runs serially in queue order so the
	// resulting shape is independent of fetch completion order.
	for len(queue) > 0 {
		r.prefetch(ctx, queue)
		var next []workItem
		for _, item := range queue {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			more, err := r.resolveOne(ctx, g, item)
			if err != nil {
				return nil, err
			}
			next = append(next, more...)
		}
		queue = next
	}

	g.prune()
	g.detectPeerCycles()
	return g, nil
}

// seedDeps converts a manifest's dependency tables into work items,
// alphabetical by name. A name appearing in several tables resolves to one
// item: optional wins over prod (npm semantics), peer applies only when
// the name appears nowhere else, dev only for the root.
func seedDeps(parent int, vm packument.VersionMetadata, includeDev bool) []workItem {
	types := map[string]DepType{}
	specs := map[string]string{}
	add := func(table map[string]string, typ DepType) {
		for name, spec := range table {
			if prev, ok := types[name]; ok {
				if typ == Opt || (typ == Prod && prev != Opt) || prev == Peer {
					types[name] = typ
					specs[name] = spec
				}
				continue
			}
			types[name] = typ
			specs[name] = spec
		}
	}
	add(vm.PeerDependencies, Peer)
	if includeDev {
		add(vm.DevDependencies, Dev)
	}
	add(vm.Dependencies, Prod)
	add(vm.OptionalDependencies, Opt)

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]workItem, 0, len(names))
	for _, name := range names {
		out = append(out, workItem{parent: parent, name: name, spec: specs[name], typ: types[name]})
	}
	return out
}

// prefetch warms the packument cache for a wave of work items. Errors are
// dropped here; the serial pass resurfaces them with full context.
func (r *Resolver) prefetch(ctx context.Context, items []workItem) {
	if r.Fetchers.Packuments == nil {
		return
	}
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	seen := map[string]bool{}
	for _, item := range items {
		spec, err := pkgspec.Parse(fullSpec(item.name, item.spec), r.Dir)
		if err != nil {
			continue
		}
		target := spec.Target()
		if target.Kind != pkgspec.KindNpm || seen[target.Name] {
			continue
		}
		seen[target.Name] = true
		name := target.Name
		eg.Go(func() error {
			_, _ = r.Fetchers.Packuments.Packument(ctx, name)
			return nil
		})
	}
	_ = eg.Wait()
}

func fullSpec(name, spec string) string {
	if spec == "" {
		return name
	}
	return name + "@" + spec
}

func (r *Resolver) resolveOne(ctx context.Context, g *Graph, item workItem) ([]workItem, error) {
	demote := func(err error) {
		g.Unsatisfied = append(g.Unsatisfied, UnsatisfiedOptional{
			Parent: item.parent, Name: item.name, Requested: item.spec, Err: err,
		})
	}

	spec, err := pkgspec.Parse(fullSpec(item.name, item.spec), r.Dir)
	if err != nil {
		if item.typ == Opt {
			demote(err)
			return nil, nil
		}
		return nil, engerr.New(engerr.CodeParseSpec, map[string]any{
			"name": item.name, "spec": item.spec,
		}, err)
	}
	target := spec.Target()

	if found, ok := g.findByName(item.parent, item.name); ok {
		if r.satisfies(ctx, g.Nodes[found], target) {
			g.addEdge(Edge{From: item.parent, To: found, Type: item.typ, Name: item.name, Requested: item.spec})
			return nil, nil
		}
		if _, taken := g.Nodes[item.parent].Children[item.name]; taken {
			// The conflicting node occupies the only slot this parent can
			// load from; reuse it and warn rather than fail the install.
			g.Warnings = append(g.Warnings, fmt.Sprintf(
				"version conflict for %s@%s under %s: using %s",
				item.name, item.spec, g.Nodes[item.parent].Name, g.Nodes[found].Manifest.Version))
			g.addEdge(Edge{From: item.parent, To: found, Type: item.typ, Name: item.name, Requested: item.spec})
			return nil, nil
		}
	}

	pkg, err := r.resolvePackage(ctx, target)
	if err != nil {
		if item.typ == Opt {
			demote(err)
			return nil, nil
		}
		return nil, err
	}

	placeAt := g.hoistTarget(item.parent, item.name)
	node := g.addNode(item.name, pkg, placeAt)
	g.addEdge(Edge{From: item.parent, To: node.Index, Type: item.typ, Name: item.name, Requested: item.spec})
	return seedDeps(node.Index, pkg.Metadata, false), nil
}

// satisfies reports whether an already-placed node can serve target.
func (r *Resolver) satisfies(ctx context.Context, node *Node, target pkgspec.Spec) bool {
	if node.Package == nil {
		return false
	}
	res := node.Package.Resolution
	switch target.Kind {
	case pkgspec.KindNpm:
		if res.Kind != fetcher.ResolvedNpm || node.Package.Name != target.Name {
			return false
		}
		req := target.Requested
		if req == nil {
			return true
		}
		switch req.Kind {
		case pkgspec.ReqVersion:
			return req.Version.Compare(res.Version) == 0
		case pkgspec.ReqRange:
			return req.Range.Matches(res.Version)
		case pkgspec.ReqTag:
			if r.Fetchers.Packuments == nil {
				return false
			}
			p, err := r.Fetchers.Packuments.Packument(ctx, target.Name)
			if err != nil {
				return false
			}
			return p.DistTags[req.Tag] == res.Version.String()
		}
	case pkgspec.KindDir:
		return res.Kind == fetcher.ResolvedDir && res.Path == r.absDir(target)
	case pkgspec.KindGit:
		if res.Kind != fetcher.ResolvedGit {
			return false
		}
		if res.Host != target.Host || res.Owner != target.Owner || res.Repo != target.Repo {
			return false
		}
		return target.Committish == "" || target.Committish == res.Commit
	}
	return false
}

func (r *Resolver) absDir(target pkgspec.Spec) string {
	if filepath.IsAbs(target.Path) {
		return filepath.Clean(target.Path)
	}
	from := target.From
	if from == "" {
		from = r.Dir
	}
	return filepath.Join(from, target.Path)
}

// resolvePackage turns an unsatisfied spec into a Package with a concrete
// Resolution, fetching whatever metadata the source requires.
func (r *Resolver) resolvePackage(ctx context.Context, target pkgspec.Spec) (*fetcher.Package, error) {
	f := fetcher.For(target, r.Fetchers)
	switch target.Kind {
	case pkgspec.KindDir:
		abs := r.absDir(target)
		p, err := f.Packument(ctx, target)
		if err != nil {
			return nil, err
		}
		vm, err := p.PickVersion(target.Path, nil)
		if err != nil {
			return nil, err
		}
		return &fetcher.Package{
			Name:       vm.Name,
			Resolution: fetcher.Resolution{Kind: fetcher.ResolvedDir, Path: abs},
			Metadata:   vm,
			Fetcher:    f,
		}, nil

	case pkgspec.KindGit:
		gf := f.(*fetcher.GitFetcher)
		commit, err := gf.ResolveCommit(ctx, target)
		if err != nil {
			return nil, err
		}
		p, err := f.Packument(ctx, target)
		if err != nil {
			return nil, err
		}
		vm, err := p.PickVersion(target.Repo, nil)
		if err != nil {
			return nil, err
		}
		return &fetcher.Package{
			Name: vm.Name,
			Resolution: fetcher.Resolution{
				Kind: fetcher.ResolvedGit,
				Host: target.Host, Owner: target.Owner, Repo: target.Repo,
				Commit: commit,
			},
			Metadata: vm,
			Fetcher:  f,
		}, nil

	default:
		p, err := f.Packument(ctx, target)
		if err != nil {
			return nil, err
		}
		vm, err := p.PickVersion(target.Name, target.Requested)
		if err != nil {
			return nil, err
		}
		version, err := semver.Parse(vm.Version)
		if err != nil {
			return nil, engerr.New(engerr.CodeParsePackument, map[string]any{
				"name": target.Name, "version": vm.Version,
			}, err)
		}
		var integ integrity.Integrity
		if vm.Dist.Integrity != "" {
			integ, err = integrity.Parse(vm.Dist.Integrity)
			if err != nil {
				return nil, engerr.New(engerr.CodeParseIntegrity, map[string]any{
					"name": target.Name, "integrity": vm.Dist.Integrity,
				}, err)
			}
		}
		return &fetcher.Package{
			Name: vm.Name,
			Resolution: fetcher.Resolution{
				Kind:       fetcher.ResolvedNpm,
				Version:    version,
				TarballURL: vm.Dist.Tarball,
				Integrity:  integ,
			},
			Metadata: vm,
			Fetcher:  f,
		}, nil
	}
}

// prune removes placement subtrees whose root has no incoming edge, then
// compacts the arena. Needed after lockfile-driven reconstruction drops a
// dirty subtree that had hoisted dependencies nothing else uses.
func (g *Graph) prune() {
	removed := map[int]bool{}
	for {
		incoming := make([]int, len(g.Nodes))
		for _, e := range g.Edges {
			incoming[e.To]++
		}
		victim := -1
		for i, n := range g.Nodes {
			if n != nil && i != g.Root && !removed[i] && incoming[i] == 0 {
				victim = i
				break
			}
		}
		if victim == -1 {
			break
		}
		// Nothing outside a placement subtree can resolve into it, so the
		// whole subtree goes with its root.
		subtree := map[int]bool{}
		var collect func(idx int)
		collect = func(idx int) {
			subtree[idx] = true
			for _, child := range g.Nodes[idx].Children {
				collect(child)
			}
		}
		collect(victim)
		parent := g.Nodes[victim].Parent
		if parent >= 0 {
			delete(g.Nodes[parent].Children, g.Nodes[victim].Name)
		}
		var edges []Edge
		for _, e := range g.Edges {
			if !subtree[e.From] && !subtree[e.To] {
				edges = append(edges, e)
			}
		}
		g.Edges = edges
		for idx := range subtree {
			removed[idx] = true
		}
	}
	if len(removed) == 0 {
		return
	}

	remap := make([]int, len(g.Nodes))
	var nodes []*Node
	for i, n := range g.Nodes {
		if removed[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(nodes)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		n.Index = remap[n.Index]
		if n.Parent >= 0 {
			n.Parent = remap[n.Parent]
		}
		children := map[string]int{}
		for name, child := range n.Children {
			if remap[child] >= 0 {
				children[name] = remap[child]
			}
		}
		n.Children = children
	}
	for i := range g.Edges {
		g.Edges[i].From = remap[g.Edges[i].From]
		g.Edges[i].To = remap[g.Edges[i].To]
	}
	var unsat []UnsatisfiedOptional
	for _, u := range g.Unsatisfied {
		if remap[u.Parent] >= 0 {
			u.Parent = remap[u.Parent]
			unsat = append(unsat, u)
		}
	}
	g.Unsatisfied = unsat
	g.Nodes = nodes
	g.Root = remap[g.Root]
}

// fromLockfile rebuilds a graph from lock when it is consistent with
// rootManifest, returning the work items for any inconsistent subtrees
// (added/removed/changed deps). ok is false when the document is not
// structurally usable at all, forcing full resolution.
func (r *Resolver) fromLockfile(ctx context.Context, rootManifest packument.VersionMetadata, lock *lockfile.Document) (*Graph, []workItem, bool) {
	rootEntry, ok := lock.Root()
	if !ok {
		return nil, nil, false
	}

	// Root consistency: every manifest dep must appear in the root entry
	// with the same requested spec and resolve to a lock node whose version
	// still satisfies it.
	manifestItems := seedDeps(0, rootManifest, true)
	manifestNames := map[string]bool{}
	for _, item := range manifestItems {
		manifestNames[item.name] = true
	}
	var dirty []workItem
	dirtyNames := map[string]bool{}
	for _, item := range manifestItems {
		lockSpec, declared := lockTable(rootEntry, item.typ)[item.name]
		entry := lockResolve(lock, "", item.name)
		if !declared || lockSpec != item.spec || entry == nil || !r.lockEntrySatisfies(item, entry) {
			dirty = append(dirty, item)
			dirtyNames[item.name] = true
		}
	}

	// Drop the dirty subtrees, then build nodes parents-first (sorted
	// paths nest correctly).
	g := newGraph(rootManifest)
	byPath := map[string]int{"": g.Root}
	lock.Sort()
	for i := range lock.Entries {
		e := &lock.Entries[i]
		if e.Path == "" || underDirtySubtree(e.Path, dirtyNames) {
			continue
		}
		parentPath, key := splitLockPath(e.Path)
		pidx, ok := byPath[parentPath]
		if !ok {
			return nil, nil, false
		}
		pkg, err := r.packageFromLockEntry(e)
		if err != nil {
			return nil, nil, false
		}
		node := g.addNode(key, pkg, pidx)
		byPath[e.Path] = node.Index
	}

	// Rebuild edges from each surviving entry's tables; a target that no
	// longer resolves becomes a fresh work item (non-root parents too: the
	// hoisted node they depended on may have lived in a dirty subtree).
	for i := range lock.Entries {
		e := &lock.Entries[i]
		if underDirtySubtree(e.Path, dirtyNames) {
			continue
		}
		idx, ok := byPath[e.Path]
		if !ok {
			continue
		}
		for _, typ := range []DepType{Prod, Dev, Peer, Opt} {
			if typ == Dev && e.Path != "" {
				continue
			}
			table := lockTable(e, typ)
			names := make([]string, 0, len(table))
			for name := range table {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if idx == g.Root && (dirtyNames[name] || !manifestNames[name]) {
					// Dirty deps re-resolve fresh; deps dropped from the
					// manifest are simply not re-added, and prune sweeps
					// whatever they exclusively pulled in.
					continue
				}
				if tidx, ok := g.findByName(idx, name); ok {
					g.addEdge(Edge{From: idx, To: tidx, Type: typ, Name: name, Requested: table[name]})
					continue
				}
				if typ == Peer {
					// Peer edges are satisfied by the host environment;
					// an absent peer is not re-resolved from a lockfile.
					continue
				}
				dirty = append(dirty, workItem{parent: idx, name: name, spec: table[name], typ: typ})
			}
		}
	}
	return g, dirty, true
}

func lockTable(e *lockfile.Entry, typ DepType) map[string]string {
	switch typ {
	case Dev:
		return e.DevDependencies
	case Peer:
		return e.PeerDependencies
	case Opt:
		return e.OptionalDependencies
	default:
		return e.Dependencies
	}
}

// lockResolve walks the lock document's path space the way node resolution
// walks directories: the dep at fromPath sees the nearest
// "…/node_modules/<name>" entry along its ancestor chain.
func lockResolve(lock *lockfile.Document, fromPath, name string) *lockfile.Entry {
	cur := fromPath
	for {
		var candidate string
		if cur == "" {
			candidate = "node_modules/" + name
		} else {
			candidate = cur + "/node_modules/" + name
		}
		if e, ok := lock.Lookup(candidate); ok {
			return e
		}
		if cur == "" {
			return nil
		}
		cur, _ = splitLockPath(cur)
	}
}

// splitLockPath splits "a/node_modules/b" style logical paths into the
// parent's path and the final name segment (which may be scoped).
func splitLockPath(path string) (parent, name string) {
	const marker = "node_modules/"
	i := strings.LastIndex(path, marker)
	if i < 0 {
		return "", path
	}
	name = path[i+len(marker):]
	parent = strings.TrimSuffix(path[:i], "/")
	return parent, name
}

func underDirtySubtree(path string, dirtyNames map[string]bool) bool {
	for name := range dirtyNames {
		top := "node_modules/" + name
		if path == top || strings.HasPrefix(path, top+"/") {
			return true
		}
	}
	return false
}

// lockEntrySatisfies checks a root dep's lock entry against its manifest
// spec: npm versions must still match the range, dir/git resolutions must
// still point at the same source. Tag requests are accepted as-is — the
// lockfile pins what the tag meant at lock time.
func (r *Resolver) lockEntrySatisfies(item workItem, entry *lockfile.Entry) bool {
	spec, err := pkgspec.Parse(fullSpec(item.name, item.spec), r.Dir)
	if err != nil {
		return false
	}
	target := spec.Target()
	switch target.Kind {
	case pkgspec.KindNpm:
		if strings.HasPrefix(entry.Resolved, "file:") || strings.HasPrefix(entry.Resolved, "git+") {
			return false
		}
		req := target.Requested
		if req == nil || req.Kind == pkgspec.ReqTag {
			return true
		}
		v, err := semver.Parse(entry.Version)
		if err != nil {
			return false
		}
		if req.Kind == pkgspec.ReqVersion {
			return req.Version.Compare(v) == 0
		}
		return req.Range.Matches(v)
	case pkgspec.KindDir:
		return entry.Resolved == "file:"+r.absDir(target)
	case pkgspec.KindGit:
		return strings.HasPrefix(entry.Resolved, "git+") &&
			strings.Contains(entry.Resolved, target.Host+"/"+target.Owner+"/"+target.Repo)
	}
	return false
}

// packageFromLockEntry reconstructs a Package from a lock entry, the
// inverse of ToLockfile for one node.
func (r *Resolver) packageFromLockEntry(e *lockfile.Entry) (*fetcher.Package, error) {
	vm := packument.VersionMetadata{
		Name:                 e.Name,
		Version:              e.Version,
		Dependencies:         e.Dependencies,
		DevDependencies:      e.DevDependencies,
		OptionalDependencies: e.OptionalDependencies,
		PeerDependencies:     e.PeerDependencies,
	}
	var res fetcher.Resolution
	switch {
	case strings.HasPrefix(e.Resolved, "file:"):
		res = fetcher.Resolution{Kind: fetcher.ResolvedDir, Path: strings.TrimPrefix(e.Resolved, "file:")}
	case strings.HasPrefix(e.Resolved, "git+"):
		spec, err := pkgspec.Parse(e.Resolved, r.Dir)
		if err != nil {
			return nil, err
		}
		t := spec.Target()
		res = fetcher.Resolution{
			Kind: fetcher.ResolvedGit,
			Host: t.Host, Owner: t.Owner, Repo: t.Repo,
			Commit: t.Committish,
		}
	default:
		version, err := semver.Parse(e.Version)
		if err != nil {
			return nil, err
		}
		var integ integrity.Integrity
		if e.Integrity != "" {
			integ, err = integrity.Parse(e.Integrity)
			if err != nil {
				return nil, err
			}
		}
		res = fetcher.Resolution{
			Kind:       fetcher.ResolvedNpm,
			Version:    version,
			TarballURL: e.Resolved,
			Integrity:  integ,
		}
	}
	var spec pkgspec.Spec
	switch res.Kind {
	case fetcher.ResolvedDir:
		spec = pkgspec.Spec{Kind: pkgspec.KindDir, Path: res.Path}
	case fetcher.ResolvedGit:
		spec = pkgspec.Spec{Kind: pkgspec.KindGit, Host: res.Host, Owner: res.Owner, Repo: res.Repo}
	default:
		spec = pkgspec.Spec{Kind: pkgspec.KindNpm, Name: e.Name}
	}
	return &fetcher.Package{
		Name:       e.Name,
		Resolution: res,
		Metadata:   vm,
		Fetcher:    fetcher.For(spec, r.Fetchers),
	}, nil
}
