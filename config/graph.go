package config

import (
	"context"
	"fmt"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor/builtin"
)

type (
	// Graph describes nodes of the root realm and their connections.
	Graph struct {
		Nodes       []Node       `yaml:"nodes"`
		Connections []Connection `yaml:"connections"`
	}

	// Node is either a processor or a plugin. Builtin processors don't
	// need ports.
	Node struct {
		ID        string          `yaml:"id"`
		Processor string          `yaml:"processor,omitempty"`
		Plugin    string          `yaml:"plugin,omitempty"`
		Ports     []nodedesc.Port `yaml:"ports,omitempty"`
		// Controls are initial control values by input port.
		Controls map[string]float32 `yaml:"controls,omitempty"`
		// Bypass lists bypassed outputs.
		Bypass []string `yaml:"bypass,omitempty"`
		// DryWet are levels by output port.
		DryWet        map[string]float64 `yaml:"drywet,omitempty"`
		ControlPoints []ControlPoint     `yaml:"control_points,omitempty"`
	}

	// Connection links output to input, ports are referenced as
	// "node:port".
	Connection struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	}

	// ControlPoint is a point of control value generator curve.
	ControlPoint struct {
		ID    string  `yaml:"id"`
		Time  float64 `yaml:"time"`
		Value float32 `yaml:"value"`
	}
)

// Validate checks graph without building it.
func (g Graph) Validate() error {
	ids := map[string]struct{}{engine.SinkID: {}}
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node without id: %w", ErrInvalid)
		}
		if _, ok := ids[n.ID]; ok {
			return fmt.Errorf("node %s: duplicate id: %w", n.ID, ErrInvalid)
		}
		ids[n.ID] = struct{}{}
		if _, err := n.Description(); err != nil {
			return err
		}
		for port, level := range n.DryWet {
			if level < -100 || level > 100 {
				return fmt.Errorf("node %s: dry/wet of %s is %v: %w", n.ID, port, level, ErrInvalid)
			}
		}
	}
	for _, c := range g.Connections {
		for _, ref := range []string{c.From, c.To} {
			id, _, err := splitRef(ref)
			if err != nil {
				return err
			}
			if _, ok := ids[id]; !ok {
				return fmt.Errorf("connection %s -> %s: unknown node %s: %w", c.From, c.To, id, ErrInvalid)
			}
		}
	}
	return nil
}

// Description returns node description.
func (n Node) Description() (nodedesc.Node, error) {
	switch {
	case n.Processor != "" && n.Plugin != "":
		return nodedesc.Node{}, fmt.Errorf("node %s is both processor and plugin: %w", n.ID, ErrInvalid)
	case n.Processor != "":
		if len(n.Ports) == 0 {
			d, ok := builtin.Description(n.Processor)
			if !ok {
				return nodedesc.Node{}, fmt.Errorf("node %s: processor %s needs ports: %w", n.ID, n.Processor, ErrInvalid)
			}
			return d, nil
		}
		return nodedesc.Node{
			URI:       "processor://" + n.Processor,
			Type:      nodedesc.Processor,
			Processor: n.Processor,
			Ports:     n.Ports,
		}, nil
	case n.Plugin != "":
		if len(n.Ports) == 0 {
			return nodedesc.Node{}, fmt.Errorf("node %s: plugin %s needs ports: %w", n.ID, n.Plugin, ErrInvalid)
		}
		return nodedesc.Node{
			URI:    "plugin://" + n.Plugin,
			Type:   nodedesc.Plugin,
			Plugin: n.Plugin,
			Ports:  n.Ports,
		}, nil
	}
	return nodedesc.Node{}, fmt.Errorf("node %s has neither processor nor plugin: %w", n.ID, ErrInvalid)
}

// Build adds nodes and connections to the realm and applies initial
// control values, sub-port settings and control points.
func (g Graph) Build(ctx context.Context, r *engine.Realm) error {
	nodes := make([]*engine.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		desc, err := n.Description()
		if err != nil {
			return err
		}
		node, err := engine.NewNode(n.ID, desc)
		if err != nil {
			return err
		}
		nodes = append(nodes, node)
	}
	if err := r.AddNodes(ctx, nodes...); err != nil {
		return err
	}
	for _, c := range g.Connections {
		up, err := lookupPort(r, c.From)
		if err != nil {
			return err
		}
		down, err := lookupPort(r, c.To)
		if err != nil {
			return err
		}
		if err := r.Connect(up, down); err != nil {
			return err
		}
	}

	var subPorts bool
	for _, n := range g.Nodes {
		for _, name := range n.Bypass {
			p, err := lookupPort(r, n.ID+":"+name)
			if err != nil {
				return err
			}
			if err := p.SetBypass(true); err != nil {
				return err
			}
			subPorts = true
		}
		for name, level := range n.DryWet {
			p, err := lookupPort(r, n.ID+":"+name)
			if err != nil {
				return err
			}
			if err := p.SetDryWet(level); err != nil {
				return err
			}
			subPorts = true
		}
		for name, v := range n.Controls {
			cv, err := r.ControlValue(n.ID + ":" + name)
			if err != nil {
				return err
			}
			cv.Set(v)
		}
		for _, cp := range n.ControlPoints {
			msg := builtin.AddControlPoint{ID: cp.ID, Time: block.MusicalTime(cp.Time), Value: cp.Value}
			if err := r.SendMessage(n.ID, msg); err != nil {
				return err
			}
		}
	}
	if subPorts {
		return r.UpdateSpec()
	}
	return nil
}

func lookupPort(r *engine.Realm, ref string) (*engine.Port, error) {
	id, name, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	n, err := r.Node(id)
	if err != nil {
		return nil, err
	}
	return n.Port(name)
}
