// Package packument models the registry's per-package index document
// (spec.md §4.5): a Version → metadata map plus a dist-tag map, with every
// other top-level field preserved verbatim the way the teacher's manifest
// types round-trip fields they do not interpret. The client half fetches
// and caches packuments: in-process single-flight memoisation backed by
// the on-disk HTTP cache (ETag revalidation through the CAS index).
package packument

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/orogene/orogene-sub001/internal/cas"
	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/fetch"
	"github.com/orogene/orogene-sub001/internal/pkgspec"
	"github.com/orogene/orogene-sub001/internal/semver"
)

// Dist is a version's distribution record.
type Dist struct {
	Tarball      string `json:"tarball"`
	Integrity    string `json:"integrity,omitempty"`
	Shasum       string `json:"shasum,omitempty"`
	FileCount    int    `json:"fileCount,omitempty"`
	UnpackedSize int64  `json:"unpackedSize,omitempty"`
}

// Bin is a manifest `bin` field, which the ecosystem allows as either a
// bare string (a single executable named after the package) or a map of
// executable name to path.
type Bin map[string]string

func (b *Bin) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		// Keyed by the empty string; callers substitute the package name.
		*b = Bin{"": s}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*b = Bin(m)
	return nil
}

// VersionMetadata is one version's manifest as published: the dependency
// tables the resolver walks, the bin/scripts surface the realiser needs,
// and the dist record naming the tarball. It doubles as the parsed form of
// a project's own package.json (where Dist is absent).
type VersionMetadata struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	Bin                  Bin               `json:"bin,omitempty"`
	Scripts              map[string]string `json:"scripts,omitempty"`
	Dist                 Dist              `json:"dist,omitempty"`
}

// BinEntries returns the executable-name → in-package-path map with the
// bare-string form normalised using the package's own name (scoped names
// contribute only their final segment, per registry convention).
func (v VersionMetadata) BinEntries() map[string]string {
	if len(v.Bin) == 0 {
		return nil
	}
	out := make(map[string]string, len(v.Bin))
	for name, p := range v.Bin {
		if name == "" {
			name = v.Name
			if i := strings.LastIndexByte(name, '/'); i >= 0 {
				name = name[i+1:]
			}
		}
		out[name] = p
	}
	return out
}

// Packument is the registry index document for one package.
type Packument struct {
	Versions map[string]VersionMetadata
	DistTags map[string]string
	// Rest holds every top-level field the engine does not interpret,
	// preserved verbatim.
	Rest map[string]json.RawMessage
}

func (p *Packument) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Versions = map[string]VersionMetadata{}
	p.DistTags = map[string]string{}
	p.Rest = map[string]json.RawMessage{}
	for k, v := range raw {
		switch k {
		case "versions":
			if err := json.Unmarshal(v, &p.Versions); err != nil {
				return err
			}
		case "dist-tags":
			if err := json.Unmarshal(v, &p.DistTags); err != nil {
				return err
			}
		default:
			p.Rest[k] = v
		}
	}
	return nil
}

func (p Packument) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Rest)+2)
	for k, v := range p.Rest {
		out[k] = v
	}
	out["versions"] = p.Versions
	out["dist-tags"] = p.DistTags
	return json.Marshal(out)
}

// SortedVersions returns the packument's parseable versions in ascending
// semver order, dropping versions whose strings do not parse.
func (p *Packument) SortedVersions() []semver.Version {
	out := make([]semver.Version, 0, len(p.Versions))
	for vs := range p.Versions {
		v, err := semver.Parse(vs)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// PickVersion selects the version satisfying req per spec.md §4.5: tags
// resolve through the dist-tag map, exact versions by direct lookup, and
// ranges by highest match. A nil req means the "latest" tag.
func (p *Packument) PickVersion(name string, req *pkgspec.VersionReq) (VersionMetadata, error) {
	noMatch := func() error {
		available := make([]string, 0, len(p.Versions))
		for vs := range p.Versions {
			available = append(available, vs)
		}
		sort.Strings(available)
		spec := "latest"
		if req != nil {
			spec = req.String()
		}
		return engerr.New(engerr.CodeNoMatchingVersion, map[string]any{
			"name":      name,
			"spec":      spec,
			"available": available,
		}, nil)
	}

	if req == nil {
		vs, ok := p.DistTags["latest"]
		if !ok {
			return VersionMetadata{}, noMatch()
		}
		vm, ok := p.Versions[vs]
		if !ok {
			return VersionMetadata{}, noMatch()
		}
		return vm, nil
	}

	switch req.Kind {
	case pkgspec.ReqTag:
		vs, ok := p.DistTags[req.Tag]
		if !ok {
			return VersionMetadata{}, noMatch()
		}
		vm, ok := p.Versions[vs]
		if !ok {
			return VersionMetadata{}, noMatch()
		}
		return vm, nil
	case pkgspec.ReqVersion:
		if vm, ok := p.Versions[req.Version.String()]; ok {
			return vm, nil
		}
		return VersionMetadata{}, noMatch()
	case pkgspec.ReqRange:
		var best *semver.Version
		for _, v := range p.SortedVersions() {
			if req.Range.Matches(v) {
				vv := v
				best = &vv
			}
		}
		if best == nil {
			return VersionMetadata{}, noMatch()
		}
		return p.Versions[best.String()], nil
	}
	return VersionMetadata{}, noMatch()
}

// Client fetches packuments: one HTTP round trip per URL process-wide
// (single-flight), an immutable in-process memo thereafter, and ETag
// revalidation against the on-disk cache across processes.
type Client struct {
	HTTP     *fetch.Client
	Cache    *cas.Cache // nil disables the on-disk layer
	Registry string

	sf   singleflight.Group
	mu   sync.RWMutex
	memo map[string]*Packument
}

// NewClient builds a packument client against registry.
func NewClient(httpc *fetch.Client, cache *cas.Cache, registry string) *Client {
	return &Client{
		HTTP:     httpc,
		Cache:    cache,
		Registry: strings.TrimSuffix(registry, "/"),
		memo:     map[string]*Packument{},
	}
}

// URLFor returns the packument URL for name, percent-encoding the scope
// separator per the registry wire protocol.
func (c *Client) URLFor(name string) string {
	encoded := name
	if strings.HasPrefix(name, "@") {
		encoded = strings.Replace(name, "/", "%2F", 1)
	}
	return c.Registry + "/" + encoded
}

// Packument fetches (or returns the memoised) packument for name.
func (c *Client) Packument(ctx context.Context, name string) (*Packument, error) {
	u := c.URLFor(name)

	c.mu.RLock()
	if p, ok := c.memo[u]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(u, func() (any, error) {
		p, err := c.fetch(ctx, name, u)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.memo[u] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Packument), nil
}

const cacheKeyPrefix = "oro:packument:"

func (c *Client) fetch(ctx context.Context, name, u string) (*Packument, error) {
	ctx = engctx.WithFields(ctx, map[string]any{"pkg": name, "registry": c.Registry})

	var etag string
	var cached []byte
	if c.Cache != nil {
		if entry, ok, err := c.Cache.Lookup(ctx, cacheKeyPrefix+u); err == nil && ok {
			etag = entry.Metadata["etag"]
			if etag != "" {
				if body, err := c.Cache.Read(ctx, cacheKeyPrefix+u); err == nil {
					cached = body
				}
			}
		}
	}

	resp, err := c.HTTP.Get(ctx, c.Registry, u, fetch.Options{IfNoneMatch: etag})
	if err != nil {
		if engerr.IsCode(err, engerr.CodeFetchHTTPStatus) {
			var ee *engerr.Error
			if e, ok := err.(*engerr.Error); ok {
				ee = e
			}
			if ee != nil && ee.Detail["status"] == 404 {
				return nil, engerr.New(engerr.CodePackageNotFound, map[string]any{"name": name}, err)
			}
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 304 && cached != nil {
		engctx.GetLogger(ctx).Debug("packument: revalidated from disk cache")
		return parse(name, u, cached)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engerr.New(engerr.CodeFetchIO, map[string]any{"url": u}, err)
	}

	p, err := parse(name, u, body)
	if err != nil {
		return nil, err
	}

	if c.Cache != nil {
		if et := resp.Header.Get("Etag"); et != "" {
			w, werr := c.Cache.Writer(ctx, cacheKeyPrefix+u)
			if werr == nil {
				if _, werr = w.Write(body); werr == nil {
					w.Metadata(map[string]string{"etag": et})
					_, werr = w.Commit(ctx)
				}
				if werr != nil {
					w.Abort()
					engctx.GetLogger(ctx).WithField("error", werr).Debug("packument: disk cache write failed")
				}
			}
		}
	}
	return p, nil
}

// parse unmarshals body, annotating syntax errors with a short context
// window around the failing offset (spec.md §4.5).
func parse(name, u string, body []byte) (*Packument, error) {
	var p Packument
	if err := json.Unmarshal(body, &p); err != nil {
		detail := map[string]any{"name": name, "url": u}
		if serr, ok := err.(*json.SyntaxError); ok {
			detail["offset"] = serr.Offset
			detail["context"] = contextWindow(body, serr.Offset)
		}
		return nil, engerr.New(engerr.CodeParsePackument, detail, err)
	}
	if len(p.Versions) == 0 {
		return nil, engerr.New(engerr.CodeParsePackument, map[string]any{
			"name": name, "url": u, "reason": "no versions",
		}, nil)
	}
	return &p, nil
}

func contextWindow(body []byte, offset int64) string {
	const window = 40
	lo := offset - window
	if lo < 0 {
		lo = 0
	}
	hi := offset + window
	if hi > int64(len(body)) {
		hi = int64(len(body))
	}
	return fmt.Sprintf("%q", body[lo:hi])
}

// EncodeName is exposed for callers building registry URLs outside the
// client (the tarball path in the registry fetcher).
func EncodeName(name string) string {
	return url.PathEscape(name)
}
