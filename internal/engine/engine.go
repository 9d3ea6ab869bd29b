// Package engine assembles the install pipeline: configuration in, a
// resolved and realised node_modules/ tree plus a written lockfile out.
// It owns the only long-lived shared state — the HTTP client with its
// connection pool and the packument cache — everything else is
// per-install.
package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/orogene/orogene-sub001/internal/cas"
	"github.com/orogene/orogene-sub001/internal/engconfig"
	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/fetch"
	"github.com/orogene/orogene-sub001/internal/fetcher"
	"github.com/orogene/orogene-sub001/internal/lockfile"
	"github.com/orogene/orogene-sub001/internal/packument"
	"github.com/orogene/orogene-sub001/internal/realize"
	"github.com/orogene/orogene-sub001/internal/resolver"
)

// Engine is a configured install engine handle.
type Engine struct {
	cfg      engconfig.Config
	http     *fetch.Client
	cache    *cas.Cache
	packs    *packument.Client
	realizer *realize.Realizer
}

// New wires an Engine from cfg. The cache directory defaults to the
// platform user cache dir when unset; an environment override is honoured
// by the caller populating cfg.
func New(cfg engconfig.Config) (*Engine, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, engerr.New(engerr.CodeCacheIO, nil, err)
		}
		cacheDir = filepath.Join(base, "oro")
	}
	cache, err := cas.Open(cacheDir)
	if err != nil {
		return nil, err
	}
	httpc := fetch.New(cfg)
	packs := packument.NewClient(httpc, cache, cfg.Registry)
	return &Engine{
		cfg:   cfg,
		http:  httpc,
		cache: cache,
		packs: packs,
		realizer: &realize.Realizer{
			Cache:      cache,
			CacheDir:   cacheDir,
			Workers:    cfg.Concurrency.RealiserWorkers,
			Validate:   cfg.Realise.Validate,
			PreferCopy: cfg.Realise.PreferCopy,
		},
	}, nil
}

// Report is what one Install produced.
type Report struct {
	Graph    *resolver.Graph
	Stats    realize.Stats
	Warnings []string
}

// Install resolves projectDir's manifest (against its lockfile when one is
// present and consistent), realises the graph into node_modules/, and
// writes the lockfile back atomically.
func (e *Engine) Install(ctx context.Context, projectDir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if err != nil {
		return nil, engerr.New(engerr.CodeParsePackument, map[string]any{"dir": projectDir}, err)
	}
	manifest, err := fetcher.ParseManifest(data, projectDir)
	if err != nil {
		return nil, err
	}
	ctx = engctx.WithFields(ctx, map[string]any{"project": manifest.Name})

	lock, hasLock, err := lockfile.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if !hasLock {
		lock = nil
	}

	res := &resolver.Resolver{
		Fetchers: fetcher.Options{
			Packuments: e.packs,
			HTTP:       e.http,
			Registry:   e.cfg.Registry,
			GitDir:     filepath.Join(e.realizer.CacheDir, "git"),
		},
		Dir:     projectDir,
		Workers: e.cfg.Concurrency.ResolverWorkers,
	}
	graph, err := res.Resolve(ctx, manifest, lock)
	if err != nil {
		return nil, err
	}
	for _, u := range graph.Unsatisfied {
		engctx.GetLogger(ctx).WithFields(map[string]any{
			"name": u.Name, "spec": u.Requested, "error": u.Err,
		}).Warn("install: optional dependency skipped")
	}
	for _, w := range graph.Warnings {
		engctx.GetLogger(ctx).Warn(w)
	}

	stats, err := e.realizer.Realize(ctx, graph, projectDir)
	if err != nil {
		return nil, err
	}

	if err := graph.ToLockfile().WriteAtomic(projectDir); err != nil {
		return nil, err
	}

	return &Report{Graph: graph, Stats: stats, Warnings: graph.Warnings}, nil
}

// GC runs the cache's mark-and-sweep collection.
func (e *Engine) GC(ctx context.Context) (int, error) {
	return e.cache.GC(engctx.Detached(ctx))
}
