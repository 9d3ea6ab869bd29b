// Package resolver turns a root manifest (plus recursive registry
// metadata, or an existing lockfile) into a concrete, hoisted dependency
// graph (spec.md §4.7). The graph is an arena of index-linked nodes — the
// tree position of each node is its hoisted node_modules placement — with
// typed edges carrying the requested spec, the shape the retrieved
// node-maintainer graph uses (parent/children maps on nodes, find-by-name
// walking the ancestor chain).
package resolver

import (
	"sort"
	"strings"

	"github.com/orogene/orogene-sub001/internal/fetcher"
	"github.com/orogene/orogene-sub001/internal/lockfile"
	"github.com/orogene/orogene-sub001/internal/packument"
)

// DepType labels an edge with the dependency table it came from.
type DepType int

const (
	Prod DepType = iota
	Dev
	Peer
	Opt
)

func (t DepType) String() string {
	switch t {
	case Dev:
		return "dev"
	case Peer:
		return "peer"
	case Opt:
		return "optional"
	default:
		return "prod"
	}
}

// Edge is one labelled dependency relation between two nodes.
type Edge struct {
	From, To  int
	Type      DepType
	Name      string // the dependency-graph key (alias name when aliased)
	Requested string // the requested spec string as declared
}

// Node is one arena slot. The root node has a nil Package and holds the
// project manifest; every other node owns a resolved Package. Parent and
// Children encode the hoisted placement tree.
type Node struct {
	Index    int
	Name     string
	Package  *fetcher.Package
	Manifest packument.VersionMetadata
	Parent   int
	Children map[string]int
}

// UnsatisfiedOptional records an optional edge whose fetch or resolution
// failed; the install proceeds without it.
type UnsatisfiedOptional struct {
	Parent    int
	Name      string
	Requested string
	Err       error
}

// Graph is a resolved dependency graph.
type Graph struct {
	Nodes       []*Node
	Edges       []Edge
	Root        int
	Unsatisfied []UnsatisfiedOptional
	Warnings    []string
}

func newGraph(rootManifest packument.VersionMetadata) *Graph {
	g := &Graph{}
	root := &Node{
		Index:    0,
		Name:     rootManifest.Name,
		Manifest: rootManifest,
		Parent:   -1,
		Children: map[string]int{},
	}
	g.Nodes = append(g.Nodes, root)
	g.Root = 0
	return g
}

func (g *Graph) addNode(name string, pkg *fetcher.Package, parent int) *Node {
	n := &Node{
		Index:    len(g.Nodes),
		Name:     name,
		Package:  pkg,
		Manifest: pkg.Metadata,
		Parent:   parent,
		Children: map[string]int{},
	}
	g.Nodes = append(g.Nodes, n)
	g.Nodes[parent].Children[name] = n.Index
	return n
}

func (g *Graph) addEdge(e Edge) {
	g.Edges = append(g.Edges, e)
}

// findByName walks the ancestor chain starting at parent and returns the
// first node reachable under the classical node-resolution rule.
func (g *Graph) findByName(parent int, name string) (int, bool) {
	for cur := parent; cur != -1; cur = g.Nodes[cur].Parent {
		if idx, ok := g.Nodes[cur].Children[name]; ok {
			return idx, true
		}
	}
	return 0, false
}

// hoistTarget computes the shallowest ancestor of parent where name is
// still free; a conflicting same-name sibling higher up stops the climb,
// pinning the placement directly below it (spec.md §4.7's placement rule).
func (g *Graph) hoistTarget(parent int, name string) int {
	target := parent
	for cur := parent; cur != -1; cur = g.Nodes[cur].Parent {
		if _, ok := g.Nodes[cur].Children[name]; ok {
			break
		}
		target = cur
	}
	return target
}

// PathOf renders a node's logical path within node_modules ("" for root,
// "node_modules/y/node_modules/z" for a nested placement).
func (g *Graph) PathOf(idx int) string {
	if idx == g.Root {
		return ""
	}
	var parts []string
	for cur := idx; cur != g.Root; cur = g.Nodes[cur].Parent {
		parts = append(parts, g.Nodes[cur].Name, "node_modules")
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// EdgesFrom returns idx's outgoing edges, sorted by (type, name) so
// consumers iterate deterministically.
func (g *Graph) EdgesFrom(idx int) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == idx {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ToLockfile serialises the graph as a lockfile document: one entry per
// node keyed by logical path, dependency tables rebuilt from the node's
// outgoing edges.
func (g *Graph) ToLockfile() *lockfile.Document {
	doc := &lockfile.Document{Version: lockfile.FormatVersion}
	for _, n := range g.Nodes {
		entry := lockfile.Entry{
			Path: g.PathOf(n.Index),
			Name: n.Name,
		}
		if n.Index == g.Root {
			entry.Name = n.Manifest.Name
			entry.Version = n.Manifest.Version
		} else {
			entry.Version = n.Manifest.Version
			entry.Resolved = n.Package.Resolution.ID()
			if !n.Package.Resolution.Integrity.IsZero() {
				entry.Integrity = n.Package.Resolution.Integrity.String()
			}
		}
		for _, e := range g.EdgesFrom(n.Index) {
			var table *map[string]string
			switch e.Type {
			case Dev:
				table = &entry.DevDependencies
			case Peer:
				table = &entry.PeerDependencies
			case Opt:
				table = &entry.OptionalDependencies
			default:
				table = &entry.Dependencies
			}
			if *table == nil {
				*table = map[string]string{}
			}
			(*table)[e.Name] = e.Requested
		}
		doc.Entries = append(doc.Entries, entry)
	}
	doc.Sort()
	return doc
}

// detectPeerCycles reports cycles reachable along peer edges as warnings
// (spec.md §4.7: reported, not fatal).
func (g *Graph) detectPeerCycles() {
	peerOut := map[int][]int{}
	for _, e := range g.Edges {
		if e.Type == Peer {
			peerOut[e.From] = append(peerOut[e.From], e.To)
		}
	}
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, len(g.Nodes))
	var visit func(idx int, path []int)
	visit = func(idx int, path []int) {
		state[idx] = inStack
		for _, next := range peerOut[idx] {
			switch state[next] {
			case inStack:
				var names []string
				start := false
				for _, p := range append(path, idx) {
					if p == next {
						start = true
					}
					if start {
						names = append(names, g.Nodes[p].Name)
					}
				}
				names = append(names, g.Nodes[next].Name)
				g.Warnings = append(g.Warnings, "cycle in peer dependencies: "+strings.Join(names, " -> "))
			case unvisited:
				visit(next, append(path, idx))
			}
		}
		state[idx] = done
	}
	for idx := range g.Nodes {
		if state[idx] == unvisited {
			visit(idx, nil)
		}
	}
}
