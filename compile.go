package engine

import (
	"fmt"
	"sort"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/nodedesc"
)

// Compile lowers the graph into a program. It only reads the graph and
// objects attached to the registry. Every node must be set up.
//
// Nodes are emitted in two phases. Pre phase goes in topological order and
// emits buffer declarations, port fan-in, control value fetches, port
// bindings and processing of the node. Post phase goes in reverse order and
// emits trailing ops of nodes.
func (g *Graph) Compile(reg *Registry, tempo float64, duration block.MusicalDuration) (*Program, error) {
	nodes, err := g.Sorted()
	if err != nil {
		return nil, err
	}
	c := compiler{
		reg:  reg,
		prog: NewProgram(tempo, duration),
	}
	for _, n := range nodes {
		if err := c.pre(n); err != nil {
			return nil, fmt.Errorf("compile %s: %w", n.id, err)
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := c.post(nodes[i]); err != nil {
			return nil, fmt.Errorf("compile %s: %w", nodes[i].id, err)
		}
	}
	if err := c.prog.Validate(); err != nil {
		return nil, err
	}
	return c.prog, nil
}

type compiler struct {
	reg  *Registry
	prog *Program
}

func (c *compiler) declare(p *Port) (int, error) {
	return c.prog.Declare(p.BufferName(), p.BufferType())
}

func (c *compiler) pre(n *Node) error {
	switch n.desc.Type {
	case nodedesc.Processor, nodedesc.Plugin:
		return c.processorNode(n)
	case nodedesc.RealmSink:
		return c.sinkNode(n)
	case nodedesc.ChildRealm:
		return c.childRealmNode(n)
	}
	return fmt.Errorf("%v: %w", n.desc.Type, ErrUnknownNodeType)
}

func (c *compiler) post(n *Node) error {
	if n.desc.Type != nodedesc.RealmSink {
		return nil
	}
	c.prog.Emit(PostRMS(c.prog.SinkLeft), PostRMS(c.prog.SinkRight))
	return nil
}

// input emits fan-in of input port. Unconnected control inputs are fed by
// their control values.
func (c *compiler) input(n *Node, p *Port) (int, error) {
	buf, err := c.declare(p)
	if err != nil {
		return -1, err
	}
	if len(p.upstream) == 0 {
		if cv, ok := n.controls[p.desc.Name]; ok {
			registered, ok := c.reg.ControlValue(cv.Name())
			if !ok || registered != cv {
				return -1, fmt.Errorf("control value %s: %w", cv.Name(), ErrNotSetUp)
			}
			c.prog.Emit(FetchControlValue(c.prog.AddControl(cv), buf))
			return buf, nil
		}
		c.prog.Emit(Clear(buf))
		return buf, nil
	}

	ups := make([]string, len(p.upstream))
	for i, u := range p.upstream {
		ups[i] = u.BufferName()
	}
	sort.Strings(ups)
	c.prog.Emit(Clear(buf))
	for _, name := range ups {
		src, ok := c.prog.BufferIndex(name)
		if !ok {
			return -1, fmt.Errorf("upstream %s of %v: %w", name, p, ErrInvalidProgram)
		}
		c.prog.Emit(Mix(src, buf))
	}
	return buf, nil
}

func (c *compiler) processorNode(n *Node) error {
	proc, ok := c.reg.Processor(n.id)
	if !ok || proc != n.processor {
		return ErrNotSetUp
	}
	ref := c.prog.AddProcessor(proc)
	bufs := make([]int, len(n.ports))
	for i, p := range n.ports {
		var err error
		if p.kind.dir == nodedesc.Input {
			bufs[i], err = c.input(n, p)
		} else {
			bufs[i], err = c.declare(p)
		}
		if err != nil {
			return err
		}
		c.prog.Emit(ConnectPort(ref, i, bufs[i]))
	}
	c.prog.Emit(Call(ref))

	for i, p := range n.ports {
		if p.kind.dir != nodedesc.Output {
			continue
		}
		if err := c.bypass(p, bufs[i]); err != nil {
			return err
		}
	}
	return nil
}

// bypass emits ops of output sub-ports. Bypassed output is replaced with
// its paired input, otherwise input is mixed in by dry/wet level.
func (c *compiler) bypass(p *Port, out int) error {
	if !p.bypass && p.drywet == fullyWet {
		return nil
	}
	inPort, err := p.bypassInput()
	if err != nil {
		return err
	}
	in, ok := c.prog.BufferIndex(inPort.BufferName())
	if !ok {
		return fmt.Errorf("bypass input %v: %w", inPort, ErrInvalidProgram)
	}
	if p.bypass {
		c.prog.Emit(Copy(in, out))
		return nil
	}
	dryGain, wetGain := p.gains()
	dry, err := c.prog.Declare(p.BufferName()+":dry", p.BufferType())
	if err != nil {
		return err
	}
	c.prog.Emit(
		Mul(out, wetGain),
		Copy(in, dry),
		Mul(dry, dryGain),
		Mix(dry, out),
	)
	return nil
}

func (c *compiler) sinkNode(n *Node) error {
	left, err := n.Port(nodedesc.SinkLeft)
	if err != nil {
		return err
	}
	right, err := n.Port(nodedesc.SinkRight)
	if err != nil {
		return err
	}
	if c.prog.SinkLeft, err = c.input(n, left); err != nil {
		return err
	}
	if c.prog.SinkRight, err = c.input(n, right); err != nil {
		return err
	}
	return nil
}

func (c *compiler) childRealmNode(n *Node) error {
	child, ok := c.reg.Child(n.id)
	if !ok || child != n.child {
		return ErrNotSetUp
	}
	left, err := n.Port(nodedesc.OutLeft)
	if err != nil {
		return err
	}
	right, err := n.Port(nodedesc.OutRight)
	if err != nil {
		return err
	}
	l, err := c.declare(left)
	if err != nil {
		return err
	}
	r, err := c.declare(right)
	if err != nil {
		return err
	}
	c.prog.Emit(Clear(l), Clear(r), CallChildRealm(c.prog.AddChild(child), l, r))
	return nil
}
