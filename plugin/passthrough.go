package plugin

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/nodedesc"
)

// PassthroughURI is the plugin id of Passthrough in node descriptions.
const PassthroughURI = "builtin:passthrough"

// Passthrough copies every input into outputs of the same port type and
// scales audio by gain. Gain is the state of the plugin.
type Passthrough struct {
	desc nodedesc.Node
	mu   sync.Mutex
	gain float32
}

// NewPassthrough returns plugin with unity gain.
func NewPassthrough(desc nodedesc.Node) *Passthrough {
	return &Passthrough{desc: desc, gain: 1}
}

// Configure implements Plugin.
func (p *Passthrough) Configure(int, int) error { return nil }

// Process implements Plugin.
func (p *Passthrough) Process(ports []*buffer.Buffer) error {
	if len(ports) != len(p.desc.Ports) {
		return fmt.Errorf("%d ports of %d: %w", len(ports), len(p.desc.Ports), ErrProtocol)
	}
	p.mu.Lock()
	gain := p.gain
	p.mu.Unlock()
	for i, out := range p.desc.Ports {
		if out.Direction != nodedesc.Output {
			continue
		}
		ports[i].Clear()
		for j, in := range p.desc.Ports {
			if in.Direction != nodedesc.Input || in.Type != out.Type {
				continue
			}
			if err := ports[i].Mix(ports[j]); err != nil {
				return err
			}
		}
		if out.Type == nodedesc.Audio {
			if err := ports[i].Mul(gain); err != nil {
				return err
			}
		}
	}
	return nil
}

// State implements Stateful.
func (p *Passthrough) State() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(p.gain))
	return b, nil
}

// SetState implements Stateful.
func (p *Passthrough) SetState(state []byte) error {
	if len(state) != 4 {
		return fmt.Errorf("passthrough state of %d bytes: %w", len(state), ErrProtocol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = math.Float32frombits(binary.LittleEndian.Uint32(state))
	return nil
}

// SetGain changes gain.
func (p *Passthrough) SetGain(g float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = g
}

// Close implements Plugin.
func (p *Passthrough) Close() error { return nil }

// BuiltinLoader creates builtin plugins. Other loaders can fall back to it.
func BuiltinLoader(desc nodedesc.Node) (Plugin, error) {
	if desc.Plugin == PassthroughURI {
		return NewPassthrough(desc), nil
	}
	return nil, fmt.Errorf("plugin %q: %w", desc.Plugin, ErrNotFound)
}
