package engine

import (
	"fmt"
	"slices"
	"sort"
)

// Graph is a set of nodes of a single realm. Graph isn't safe for
// concurrent use, the realm serializes mutations on the control plane.
type Graph struct {
	nodes map[string]*Node
}

// NewGraph returns empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode attaches node to the graph.
func (g *Graph) AddNode(n *Node) error {
	if _, ok := g.nodes[n.id]; ok {
		return fmt.Errorf("%s: %w", n.id, ErrDuplicateNode)
	}
	if n.graph != nil {
		return fmt.Errorf("%s is attached to another graph: %w", n.id, ErrDuplicateNode)
	}
	g.nodes[n.id] = n
	n.graph = g
	return nil
}

// RemoveNode detaches node and drops all its connections.
func (g *Graph) RemoveNode(n *Node) error {
	if owned, ok := g.nodes[n.id]; !ok || owned != n {
		return fmt.Errorf("%s: %w", n.id, ErrNodeNotFound)
	}
	for _, p := range n.ports {
		p.upstream = nil
	}
	for _, other := range g.nodes {
		for _, p := range other.ports {
			p.upstream = slices.DeleteFunc(p.upstream, func(u *Port) bool {
				return u.node == n
			})
		}
	}
	delete(g.nodes, n.id)
	n.graph = nil
	return nil
}

// Node returns node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns nodes sorted by id.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	return nodes
}

// Sorted returns nodes in topological order. Among nodes that are ready at
// the same time the one with the smallest id goes first, so the order
// depends only on the graph state.
func (g *Graph) Sorted() ([]*Node, error) {
	inDegree := make(map[string]int, len(g.nodes))
	children := make(map[string][]string, len(g.nodes))
	for id, n := range g.nodes {
		parents := n.ParentNodes()
		inDegree[id] = len(parents)
		for _, p := range parents {
			children[p.id] = append(children[p.id], id)
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	result := make([]*Node, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, g.nodes[id])
		for _, child := range children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
				slices.Sort(queue)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var cyclic []string
		for id, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, id)
			}
		}
		slices.Sort(cyclic)
		return nil, fmt.Errorf("nodes %v: %w", cyclic, ErrCycle)
	}
	return result, nil
}
