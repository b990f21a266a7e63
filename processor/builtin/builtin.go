// Package builtin provides DSP kernels that ship with the engine and their
// node descriptions.
package builtin

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

// Processor types.
const (
	OscillatorType  = "oscillator"
	GainType        = "gain"
	CVGeneratorType = "cv_generator"
	NoiseType       = "noise"
)

var catalog = map[string]nodedesc.Node{
	OscillatorType: {
		URI:       "builtin://oscillator",
		Type:      nodedesc.Processor,
		Processor: OscillatorType,
		Ports: []nodedesc.Port{
			{Name: "freq", Direction: nodedesc.Input, Type: nodedesc.KRateControl, Default: 440},
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
		},
	},
	GainType: {
		URI:       "builtin://gain",
		Type:      nodedesc.Processor,
		Processor: GainType,
		Ports: []nodedesc.Port{
			{Name: "in", Direction: nodedesc.Input, Type: nodedesc.Audio},
			{Name: "gain", Direction: nodedesc.Input, Type: nodedesc.KRateControl, Default: 1},
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio, BypassInput: "in", DryWet: true},
		},
	},
	CVGeneratorType: {
		URI:       "builtin://cv-generator",
		Type:      nodedesc.Processor,
		Processor: CVGeneratorType,
		Ports: []nodedesc.Port{
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.ARateControl},
		},
	},
	NoiseType: {
		URI:       "builtin://noise",
		Type:      nodedesc.Processor,
		Processor: NoiseType,
		Ports: []nodedesc.Port{
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
		},
	},
}

// Description returns description of builtin processor type.
func Description(typ string) (nodedesc.Node, bool) {
	d, ok := catalog[typ]
	if !ok {
		return nodedesc.Node{}, false
	}
	d.Ports = append([]nodedesc.Port(nil), d.Ports...)
	return d, true
}

// Register adds builtin kernels to the registry.
func Register(r *processor.Registry) {
	r.Register(OscillatorType, func(nodedesc.Node) (processor.Kernel, error) {
		return &Oscillator{}, nil
	})
	r.Register(GainType, func(nodedesc.Node) (processor.Kernel, error) {
		return &Gain{}, nil
	})
	r.Register(CVGeneratorType, func(nodedesc.Node) (processor.Kernel, error) {
		return &CVGenerator{}, nil
	})
	r.Register(NoiseType, func(nodedesc.Node) (processor.Kernel, error) {
		return &Noise{}, nil
	})
}

// ports holds connected buffers by index.
type ports []*buffer.Buffer

func (p *ports) connect(idx int, buf *buffer.Buffer, n int) error {
	if *p == nil {
		*p = make([]*buffer.Buffer, n)
	}
	if idx < 0 || idx >= n {
		return fmt.Errorf("port %d: %w", idx, processor.ErrPortIndex)
	}
	(*p)[idx] = buf
	return nil
}

func (p ports) connected() bool {
	for _, b := range p {
		if b == nil {
			return false
		}
	}
	return true
}

type lifecycle struct{}

func (lifecycle) Setup(context.Context) error   { return nil }
func (lifecycle) Cleanup(context.Context) error { return nil }

// Oscillator generates sine wave with frequency of its control input.
type Oscillator struct {
	lifecycle
	ports ports
	phase float64
}

// ConnectPort implements processor.Kernel.
func (o *Oscillator) ConnectPort(_ *block.Context, idx int, buf *buffer.Buffer) error {
	return o.ports.connect(idx, buf, 2)
}

// Process implements processor.Kernel.
func (o *Oscillator) Process(bctx *block.Context, _ block.TimeMapper) error {
	if !o.ports.connected() {
		return nil
	}
	freq := float64(o.ports[0].Float())
	out := o.ports[1].Floats()
	step := 2 * math.Pi * freq / float64(bctx.SampleRate)
	for i := range out {
		out[i] = float32(math.Sin(o.phase))
		o.phase += step
	}
	o.phase = math.Mod(o.phase, 2*math.Pi)
	return nil
}

// Gain scales input by control value.
type Gain struct {
	lifecycle
	ports ports
}

// ConnectPort implements processor.Kernel.
func (g *Gain) ConnectPort(_ *block.Context, idx int, buf *buffer.Buffer) error {
	return g.ports.connect(idx, buf, 3)
}

// Process implements processor.Kernel.
func (g *Gain) Process(*block.Context, block.TimeMapper) error {
	if !g.ports.connected() {
		return nil
	}
	gain := g.ports[1].Float()
	in, out := g.ports[0].Floats(), g.ports[2].Floats()
	for i := range out {
		out[i] = in[i] * gain
	}
	return nil
}

// Noise generates uniform white noise.
type Noise struct {
	lifecycle
	ports ports
	rnd   *rand.Rand
	Seed  int64
}

// Setup implements processor.Kernel.
func (n *Noise) Setup(context.Context) error {
	n.rnd = rand.New(rand.NewSource(n.Seed))
	return nil
}

// ConnectPort implements processor.Kernel.
func (n *Noise) ConnectPort(_ *block.Context, idx int, buf *buffer.Buffer) error {
	return n.ports.connect(idx, buf, 1)
}

// Process implements processor.Kernel.
func (n *Noise) Process(*block.Context, block.TimeMapper) error {
	if !n.ports.connected() {
		return nil
	}
	out := n.ports[0].Floats()
	for i := range out {
		out[i] = 2*n.rnd.Float32() - 1
	}
	return nil
}

// SetParameters implements processor.ParameterSetter. Seed parameter
// restarts generator.
func (n *Noise) SetParameters(params processor.Parameters) error {
	if seed, ok := params["seed"]; ok {
		n.Seed = int64(seed)
		n.rnd = rand.New(rand.NewSource(n.Seed))
	}
	return nil
}
