//go:build vst2

package vst2

import (
	"fmt"

	sdk "github.com/dudk/vst2"

	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/plugin"
)

// Plugin adapts VST2 effect to plugin.Plugin. Audio inputs are passed to
// the effect as channels, its channels are written into audio outputs.
type Plugin struct {
	lib    *sdk.Library
	effect *sdk.Plugin
	desc   nodedesc.Node
	in     []int
	out    []int
	// channels is reused between blocks.
	channels [][]float64
	resumed  bool
}

// Open loads library and creates effect instance.
func Open(path string, desc nodedesc.Node) (*Plugin, error) {
	lib, err := sdk.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vst2 library %s: %w", path, err)
	}
	effect, err := lib.Open()
	if err != nil {
		lib.Close()
		return nil, fmt.Errorf("open vst2 plugin %s: %w", lib.Name, err)
	}
	p := &Plugin{
		lib:    lib,
		effect: effect,
		desc:   desc,
	}
	for i, port := range desc.Ports {
		if port.Type != nodedesc.Audio {
			continue
		}
		if port.Direction == nodedesc.Input {
			p.in = append(p.in, i)
		} else {
			p.out = append(p.out, i)
		}
	}
	return p, nil
}

// Loader returns loader of VST2 plugins found by cache. Other ids are
// created by fallback.
func Loader(cache *Cache, fallback plugin.Loader) plugin.Loader {
	return func(desc nodedesc.Node) (plugin.Plugin, error) {
		if len(desc.Plugin) < len(URIPrefix) || desc.Plugin[:len(URIPrefix)] != URIPrefix {
			return fallback(desc)
		}
		path, err := cache.Path(desc.Plugin)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, plugin.ErrNotFound)
		}
		return Open(path, desc)
	}
}

// Configure implements plugin.Plugin.
func (p *Plugin) Configure(sampleRate, blockSize int) error {
	if p.resumed {
		p.effect.Suspend()
	}
	p.effect.SetSampleRate(sampleRate)
	p.effect.SetBufferSize(blockSize)
	n := len(p.in)
	if len(p.out) > n {
		n = len(p.out)
	}
	p.channels = make([][]float64, n)
	for i := range p.channels {
		p.channels[i] = make([]float64, blockSize)
	}
	p.effect.Resume()
	p.resumed = true
	return nil
}

// Process implements plugin.Plugin.
func (p *Plugin) Process(ports []*buffer.Buffer) error {
	if len(ports) != len(p.desc.Ports) {
		return fmt.Errorf("%d ports of %d: %w", len(ports), len(p.desc.Ports), plugin.ErrProtocol)
	}
	for c := range p.channels {
		ch := p.channels[c]
		if c >= len(p.in) {
			for i := range ch {
				ch[i] = 0
			}
			continue
		}
		for i, v := range ports[p.in[c]].Floats() {
			ch[i] = float64(v)
		}
	}
	result := p.effect.Process(p.channels)
	for c, idx := range p.out {
		out := ports[idx].Floats()
		if c >= len(result) {
			ports[idx].Clear()
			continue
		}
		for i := range out {
			out[i] = float32(result[c][i])
		}
	}
	return nil
}

// Close implements plugin.Plugin.
func (p *Plugin) Close() error {
	if p.resumed {
		p.effect.Suspend()
		p.resumed = false
	}
	p.effect.Close()
	p.lib.Close()
	return nil
}
