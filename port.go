package engine

import (
	"fmt"

	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/nodedesc"
)

// portKind is resolved once when port is created and carries behaviour of
// the port variant.
type portKind struct {
	typ nodedesc.PortType
	dir nodedesc.Direction
}

func (k portKind) bufferType() buffer.Type {
	switch k.typ {
	case nodedesc.KRateControl:
		return buffer.Float{}
	case nodedesc.Events:
		return buffer.Atom{}
	}
	return buffer.AudioBlock{}
}

// validateConnection checks that upstream port of kind up can feed the
// port of this kind.
func (k portKind) validateConnection(up portKind) error {
	if k.dir != nodedesc.Input || up.dir != nodedesc.Output {
		return ErrDirection
	}
	if k.typ != up.typ {
		return ErrPortType
	}
	return nil
}

// isControl reports whether unconnected port is fed by control value.
func (k portKind) isControl() bool {
	return k.dir == nodedesc.Input && (k.typ == nodedesc.KRateControl || k.typ == nodedesc.ARateControl)
}

// Port is a typed input or output of the node.
type Port struct {
	node     *Node
	index    int
	desc     nodedesc.Port
	kind     portKind
	upstream []*Port
	bypass   bool
	drywet   float64
}

// fullyWet is the dry/wet level that leaves processed signal unchanged.
const fullyWet = 100

func newPort(n *Node, idx int, d nodedesc.Port) *Port {
	return &Port{
		node:   n,
		index:  idx,
		desc:   d,
		kind:   portKind{typ: d.Type, dir: d.Direction},
		drywet: fullyWet,
	}
}

// Name of the port.
func (p *Port) Name() string { return p.desc.Name }

// Node returns owner of the port.
func (p *Port) Node() *Node { return p.node }

// Index of the port in node description.
func (p *Port) Index() int { return p.index }

// Type returns semantic type.
func (p *Port) Type() nodedesc.PortType { return p.kind.typ }

// Direction of the port.
func (p *Port) Direction() nodedesc.Direction { return p.kind.dir }

// BufferName is the name of the port's buffer in compiled program.
func (p *Port) BufferName() string {
	return p.node.id + ":" + p.desc.Name
}

// BufferType is the type of the port's buffer.
func (p *Port) BufferType() buffer.Type { return p.kind.bufferType() }

func (p *Port) String() string { return p.BufferName() }

// Upstream returns ports connected to this input.
func (p *Port) Upstream() []*Port {
	return append([]*Port(nil), p.upstream...)
}

// Connect adds upstream output to this input. Signals of all upstream
// ports are summed. Connection that makes a cycle is rejected.
func (p *Port) Connect(up *Port) error {
	if err := p.kind.validateConnection(up.kind); err != nil {
		return p.connectionError(up, err)
	}
	if p.node.graph == nil || p.node.graph != up.node.graph {
		return p.connectionError(up, ErrDetached)
	}
	for _, u := range p.upstream {
		if u == up {
			return p.connectionError(up, ErrAlreadyConnected)
		}
	}
	if up.node == p.node || up.node.dependsOn(p.node) {
		return p.connectionError(up, ErrCycle)
	}
	p.upstream = append(p.upstream, up)
	return nil
}

// Disconnect removes upstream output from this input.
func (p *Port) Disconnect(up *Port) error {
	for i, u := range p.upstream {
		if u == up {
			p.upstream = append(p.upstream[:i], p.upstream[i+1:]...)
			return nil
		}
	}
	return p.connectionError(up, ErrNotConnected)
}

func (p *Port) connectionError(up *Port, err error) error {
	return &ConnectionError{
		Upstream:   up.String(),
		Downstream: p.String(),
		Err:        err,
	}
}

// bypassInput returns input paired with this output.
func (p *Port) bypassInput() (*Port, error) {
	if p.kind.dir != nodedesc.Output || p.desc.BypassInput == "" {
		return nil, fmt.Errorf("%v: %w", p, ErrNoBypassInput)
	}
	in, ok := p.node.index[p.desc.BypassInput]
	if !ok {
		return nil, fmt.Errorf("%v: %s: %w", p, p.desc.BypassInput, ErrNoBypassInput)
	}
	return in, nil
}

// SetBypass toggles bypass of the output. Bypassed output passes its
// paired input unchanged.
func (p *Port) SetBypass(bypass bool) error {
	if _, err := p.bypassInput(); err != nil {
		return err
	}
	p.bypass = bypass
	return nil
}

// Bypass reports whether output is bypassed.
func (p *Port) Bypass() bool { return p.bypass }

// SetDryWet sets balance of the paired input (dry) and processed (wet)
// signals. -100 is fully dry, 100 is fully wet.
func (p *Port) SetDryWet(level float64) error {
	if level < -100 || level > 100 {
		return fmt.Errorf("%v: %v: %w", p, level, ErrDryWetRange)
	}
	if _, err := p.bypassInput(); err != nil {
		return err
	}
	if !p.desc.DryWet {
		return fmt.Errorf("%v: dry/wet is disabled: %w", p, ErrNoBypassInput)
	}
	p.drywet = level
	return nil
}

// DryWet returns dry/wet level.
func (p *Port) DryWet() float64 { return p.drywet }

// gains returns dry and wet gains for current level.
func (p *Port) gains() (dry, wet float32) {
	return float32((100 - p.drywet) / 200), float32((100 + p.drywet) / 200)
}
