// Package topology models the directed acyclic worker graph the coordinator
// places operators onto: nodes carry resource slots, edges carry link
// properties, and the graph exposes the path and ancestor queries the
// placement strategies and topology-mutation requests need.
package topology

import (
	"fmt"
	"sync"

	"github.com/streamplane/coordinator/pkg/model"
)

// LinkProperty describes one directed edge's characteristics.
type LinkProperty struct {
	BandwidthMbps int
	LatencyMicros int
}

// Node is a single worker in the topology graph.
type Node struct {
	ID         model.WorkerNodeID
	Host       string
	Port       int
	Slots      int // remaining resource units, decremented per placed operator
	Properties map[string]string

	parents  map[model.WorkerNodeID]bool
	children map[model.WorkerNodeID]bool
}

func newNode(id model.WorkerNodeID, host string, port, slots int) *Node {
	return &Node{
		ID:         id,
		Host:       host,
		Port:       port,
		Slots:      slots,
		Properties: make(map[string]string),
		parents:    make(map[model.WorkerNodeID]bool),
		children:   make(map[model.WorkerNodeID]bool),
	}
}

// Graph is the coordinator's view of the worker topology. It enforces a
// single root (the coordinator node) and tracks per-edge link properties.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[model.WorkerNodeID]*Node
	links    map[edgeKey]LinkProperty
	rootID   model.WorkerNodeID
	hasRoot  bool
}

type edgeKey struct {
	upstream, downstream model.WorkerNodeID
}

// NewGraph creates an empty topology graph; AddRoot installs its root.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[model.WorkerNodeID]*Node),
		links: make(map[edgeKey]LinkProperty),
	}
}

// AddRoot installs the coordinator node as the graph's single root. It must
// be called before any other node is added.
func (g *Graph) AddRoot(id model.WorkerNodeID, host string, port, slots int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasRoot {
		return fmt.Errorf("topology: root already set to %s", g.rootID)
	}
	g.nodes[id] = newNode(id, host, port, slots)
	g.rootID = id
	g.hasRoot = true
	return nil
}

// AddNode adds a worker node to the graph, linked under parentID.
func (g *Graph) AddNode(id model.WorkerNodeID, host string, port, slots int, parentID model.WorkerNodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasRoot {
		return fmt.Errorf("topology: no root node yet")
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("topology: node %s already exists", id)
	}
	parent, ok := g.nodes[parentID]
	if !ok {
		return fmt.Errorf("topology: parent node %s not found", parentID)
	}
	n := newNode(id, host, port, slots)
	g.nodes[id] = n
	g.linkLocked(parentID, id, LinkProperty{})
	parent.children[id] = true
	n.parents[parentID] = true
	return nil
}

// AddLink connects upstream to downstream with default link properties.
func (g *Graph) AddLink(upstream, downstream model.WorkerNodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	up, ok := g.nodes[upstream]
	if !ok {
		return fmt.Errorf("topology: node %s not found", upstream)
	}
	down, ok := g.nodes[downstream]
	if !ok {
		return fmt.Errorf("topology: node %s not found", downstream)
	}
	g.linkLocked(upstream, downstream, LinkProperty{})
	up.children[downstream] = true
	down.parents[upstream] = true
	return nil
}

func (g *Graph) linkLocked(upstream, downstream model.WorkerNodeID, prop LinkProperty) {
	g.links[edgeKey{upstream, downstream}] = prop
}

// AddLinkProperty sets bandwidth/latency metadata on an existing edge.
func (g *Graph) AddLinkProperty(upstream, downstream model.WorkerNodeID, prop LinkProperty) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := edgeKey{upstream, downstream}
	if _, ok := g.links[key]; !ok {
		return fmt.Errorf("topology: no link %s->%s", upstream, downstream)
	}
	g.links[key] = prop
	return nil
}

// RemoveLink removes the edge between upstream and downstream.
func (g *Graph) RemoveLink(upstream, downstream model.WorkerNodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := edgeKey{upstream, downstream}
	if _, ok := g.links[key]; !ok {
		return fmt.Errorf("topology: no link %s->%s", upstream, downstream)
	}
	delete(g.links, key)
	if up, ok := g.nodes[upstream]; ok {
		delete(up.children, downstream)
	}
	if down, ok := g.nodes[downstream]; ok {
		delete(down.parents, upstream)
	}
	return nil
}

// RemoveNode removes a node, failing if doing so would orphan any node that
// currently hosts a source (i.e. leaves it unreachable from the root).
func (g *Graph) RemoveNode(id model.WorkerNodeID, hostsSource func(model.WorkerNodeID) bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("topology: node %s not found", id)
	}
	if id == g.rootID {
		return fmt.Errorf("topology: cannot remove root node %s", id)
	}

	for child := range n.children {
		if g.wouldOrphanSourceLocked(child, id, hostsSource) {
			return fmt.Errorf("topology: removing node %s would orphan source-hosting node %s", id, child)
		}
	}

	for parent := range n.parents {
		delete(g.nodes[parent].children, id)
		delete(g.links, edgeKey{parent, id})
	}
	for child := range n.children {
		delete(g.nodes[child].parents, id)
		delete(g.links, edgeKey{id, child})
	}
	delete(g.nodes, id)
	return nil
}

func (g *Graph) wouldOrphanSourceLocked(child, removed model.WorkerNodeID, hostsSource func(model.WorkerNodeID) bool) bool {
	n := g.nodes[child]
	remainingParents := 0
	for p := range n.parents {
		if p != removed {
			remainingParents++
		}
	}
	if remainingParents > 0 {
		return false
	}
	if hostsSource != nil && hostsSource(child) {
		return true
	}
	for grandchild := range n.children {
		if g.wouldOrphanSourceLocked(grandchild, removed, hostsSource) {
			return true
		}
	}
	return false
}

// Node returns a copy of the node's resource state.
func (g *Graph) Node(id model.WorkerNodeID) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// DecrementSlots reduces a node's remaining slots by cost; returns an error
// if insufficient capacity remains.
func (g *Graph) DecrementSlots(id model.WorkerNodeID, cost int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("topology: node %s not found", id)
	}
	if n.Slots < cost {
		return fmt.Errorf("topology: node %s has %d slots, needs %d", id, n.Slots, cost)
	}
	n.Slots -= cost
	return nil
}

// ReleaseSlots returns resource units to a node, e.g. after un-placing an
// operator.
func (g *Graph) ReleaseSlots(id model.WorkerNodeID, amount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.Slots += amount
	}
}

// Clone returns a deep, independently-mutable copy of the graph. The
// placement amender uses it to let a strategy compute a tentative placement
// under optimistic concurrency control without touching live topology state;
// the real slot decrements happen only once an amendment commits.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp := &Graph{
		nodes:   make(map[model.WorkerNodeID]*Node, len(g.nodes)),
		links:   make(map[edgeKey]LinkProperty, len(g.links)),
		rootID:  g.rootID,
		hasRoot: g.hasRoot,
	}
	for id, n := range g.nodes {
		nc := &Node{
			ID:         n.ID,
			Host:       n.Host,
			Port:       n.Port,
			Slots:      n.Slots,
			Properties: make(map[string]string, len(n.Properties)),
			parents:    make(map[model.WorkerNodeID]bool, len(n.parents)),
			children:   make(map[model.WorkerNodeID]bool, len(n.children)),
		}
		for k, v := range n.Properties {
			nc.Properties[k] = v
		}
		for p := range n.parents {
			nc.parents[p] = true
		}
		for c := range n.children {
			nc.children[c] = true
		}
		cp.nodes[id] = nc
	}
	for k, v := range g.links {
		cp.links[k] = v
	}
	return cp
}

// RestoreFrom overwrites g's contents with a deep copy of snapshot's, used to
// unwind a batch of mutations that must not partially survive a later
// failure. g keeps its own pointer identity; only its internal state moves.
func (g *Graph) RestoreFrom(snapshot *Graph) {
	snapshot.mu.RLock()
	nodes := make(map[model.WorkerNodeID]*Node, len(snapshot.nodes))
	for id, n := range snapshot.nodes {
		nc := &Node{
			ID:         n.ID,
			Host:       n.Host,
			Port:       n.Port,
			Slots:      n.Slots,
			Properties: make(map[string]string, len(n.Properties)),
			parents:    make(map[model.WorkerNodeID]bool, len(n.parents)),
			children:   make(map[model.WorkerNodeID]bool, len(n.children)),
		}
		for k, v := range n.Properties {
			nc.Properties[k] = v
		}
		for p := range n.parents {
			nc.parents[p] = true
		}
		for c := range n.children {
			nc.children[c] = true
		}
		nodes[id] = nc
	}
	links := make(map[edgeKey]LinkProperty, len(snapshot.links))
	for k, v := range snapshot.links {
		links[k] = v
	}
	rootID, hasRoot := snapshot.rootID, snapshot.hasRoot
	snapshot.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nodes
	g.links = links
	g.rootID = rootID
	g.hasRoot = hasRoot
}

// RootID returns the coordinator's root node id, if one has been installed.
func (g *Graph) RootID() (model.WorkerNodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rootID, g.hasRoot
}

// NodeIDs returns every node id currently in the graph, root included, in no
// particular order.
func (g *Graph) NodeIDs() []model.WorkerNodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.WorkerNodeID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	return out
}

// Leaves returns every node with no children, the edge-most workers a
// default source-to-sink candidate search treats as likely source hosts.
func (g *Graph) Leaves() []model.WorkerNodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []model.WorkerNodeID
	for id, n := range g.nodes {
		if len(n.children) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// GetParentTopologyNodeIds returns the ids of id's direct parents.
func (g *Graph) GetParentTopologyNodeIds(id model.WorkerNodeID) []model.WorkerNodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]model.WorkerNodeID, 0, len(n.parents))
	for p := range n.parents {
		out = append(out, p)
	}
	return out
}

// FindPathBetween returns one path (inclusive of both endpoints) from src to
// dst following child edges, or nil if none exists.
func (g *Graph) FindPathBetween(src, dst model.WorkerNodeID) []model.WorkerNodeID {
	paths := g.FindAllPathBetween(src, dst, nil)
	if len(paths) == 0 {
		return nil
	}
	return paths[0]
}

// FindAllPathBetween returns every simple path from src to dst that avoids
// the given excluded node set.
func (g *Graph) FindAllPathBetween(src, dst model.WorkerNodeID, excluded map[model.WorkerNodeID]bool) [][]model.WorkerNodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var results [][]model.WorkerNodeID
	var walk func(cur model.WorkerNodeID, path []model.WorkerNodeID, visited map[model.WorkerNodeID]bool)
	walk = func(cur model.WorkerNodeID, path []model.WorkerNodeID, visited map[model.WorkerNodeID]bool) {
		if cur == dst {
			cp := make([]model.WorkerNodeID, len(path))
			copy(cp, path)
			results = append(results, cp)
			return
		}
		n, ok := g.nodes[cur]
		if !ok {
			return
		}
		for child := range n.children {
			if excluded[child] || visited[child] {
				continue
			}
			visited[child] = true
			walk(child, append(path, child), visited)
			delete(visited, child)
		}
	}
	walk(src, []model.WorkerNodeID{src}, map[model.WorkerNodeID]bool{src: true})
	return results
}

// FindAllClosestCommonAncestors returns, for a set of nodes, the ancestors
// closest to all of them (the lowest nodes reachable upward from every
// member of ids).
func (g *Graph) FindAllClosestCommonAncestors(ids []model.WorkerNodeID) []model.WorkerNodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}

	ancestorDepth := func(start model.WorkerNodeID) map[model.WorkerNodeID]int {
		depths := map[model.WorkerNodeID]int{start: 0}
		queue := []model.WorkerNodeID{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			n, ok := g.nodes[cur]
			if !ok {
				continue
			}
			for p := range n.parents {
				if _, seen := depths[p]; !seen {
					depths[p] = depths[cur] + 1
					queue = append(queue, p)
				}
			}
		}
		return depths
	}

	common := ancestorDepth(ids[0])
	for _, id := range ids[1:] {
		next := ancestorDepth(id)
		for k, d := range common {
			if nd, ok := next[k]; ok {
				if nd > d {
					common[k] = nd
				}
			} else {
				delete(common, k)
			}
		}
	}

	minDepth := -1
	for _, d := range common {
		if minDepth == -1 || d < minDepth {
			minDepth = d
		}
	}
	var closest []model.WorkerNodeID
	for k, d := range common {
		if d == minDepth {
			closest = append(closest, k)
		}
	}
	return closest
}
