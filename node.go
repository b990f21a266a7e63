package engine

import (
	"fmt"
	"sort"

	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

// Node is an instance of node description in the graph.
type Node struct {
	id       string
	desc     nodedesc.Node
	ports    []*Port
	index    map[string]*Port
	controls map[string]*ControlValue
	graph    *Graph

	// attached resources are set by the realm during node setup.
	processor *processor.Processor
	child     *Realm
}

// NewNode creates detached node for description. Unconnected control
// inputs get control values initialized with port defaults.
func NewNode(id string, desc nodedesc.Node) (*Node, error) {
	switch desc.Type {
	case nodedesc.Processor, nodedesc.Plugin, nodedesc.RealmSink, nodedesc.ChildRealm:
	default:
		return nil, fmt.Errorf("%s: %v: %w", id, desc.Type, ErrUnknownNodeType)
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	n := &Node{
		id:       id,
		desc:     desc,
		ports:    make([]*Port, len(desc.Ports)),
		index:    make(map[string]*Port, len(desc.Ports)),
		controls: make(map[string]*ControlValue),
	}
	for i, d := range desc.Ports {
		p := newPort(n, i, d)
		n.ports[i] = p
		n.index[d.Name] = p
		if p.kind.isControl() {
			n.controls[d.Name] = NewControlValue(p.BufferName(), d.Default)
		}
	}
	return n, nil
}

// ID of the node.
func (n *Node) ID() string { return n.id }

// Description of the node.
func (n *Node) Description() nodedesc.Node { return n.desc }

// Type returns description type.
func (n *Node) Type() nodedesc.NodeType { return n.desc.Type }

// Ports in description order.
func (n *Node) Ports() []*Port { return append([]*Port(nil), n.ports...) }

// Port returns port by name.
func (n *Node) Port(name string) (*Port, error) {
	if p, ok := n.index[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%s: %s: %w", n.id, name, ErrUnknownPort)
}

// ControlValue returns control value of input port.
func (n *Node) ControlValue(port string) (*ControlValue, error) {
	if cv, ok := n.controls[port]; ok {
		return cv, nil
	}
	return nil, fmt.Errorf("%s: %s: %w", n.id, port, ErrUnknownControlValue)
}

// Processor returns processor attached to the node. It's nil until node is
// set up by the realm and for nodes that aren't backed by processors.
func (n *Node) Processor() *processor.Processor { return n.processor }

// ParentNodes returns nodes feeding any input port, sorted by id.
func (n *Node) ParentNodes() []*Node {
	seen := map[*Node]struct{}{}
	var parents []*Node
	for _, p := range n.ports {
		for _, u := range p.upstream {
			if _, ok := seen[u.node]; ok {
				continue
			}
			seen[u.node] = struct{}{}
			parents = append(parents, u.node)
		}
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i].id < parents[j].id })
	return parents
}

// dependsOn reports whether other is in upstream closure of the node.
func (n *Node) dependsOn(other *Node) bool {
	visited := map[*Node]struct{}{}
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range cur.ParentNodes() {
			if p == other {
				return true
			}
			if _, ok := visited[p]; !ok {
				visited[p] = struct{}{}
				stack = append(stack, p)
			}
		}
	}
	return false
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.id, n.desc.URI)
}
