package mesh

import (
	"sort"
	"sync"
)

type nodeKey struct {
	kind TransportKind
	id   string
}

// nodeRegistry tracks connected peers keyed by transport kind and node id.
// The same device reachable over two transports holds two entries.
type nodeRegistry struct {
	mu    sync.RWMutex
	nodes map[nodeKey]Node
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{nodes: make(map[nodeKey]Node)}
}

// upsert stores node and reports whether it was not present before.
func (r *nodeRegistry) upsert(node Node) bool {
	key := nodeKey{kind: node.Kind, id: node.ID}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.nodes[key]
	r.nodes[key] = node
	return !existed
}

// remove deletes the entry and returns it when it was present.
func (r *nodeRegistry) remove(kind TransportKind, id string) (Node, bool) {
	key := nodeKey{kind: kind, id: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[key]
	if ok {
		delete(r.nodes, key)
	}
	return node, ok
}

func (r *nodeRegistry) get(kind TransportKind, id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeKey{kind: kind, id: id}]
	return node, ok
}

// all returns a snapshot ordered by transport kind, then node id.
func (r *nodeRegistry) all() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *nodeRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *nodeRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[nodeKey]Node)
}
