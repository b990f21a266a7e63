// Package mock provides mocks for engine components and allows to execute
// integration tests.
package mock

import (
	"context"
	"sync"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

// Kernel mocks a processor.Kernel interface. It writes Value into every
// output and adds inputs of the same type on top of it.
type Kernel struct {
	counter
	Value       float32
	ErrorOnCall error
	// ErrorOnMessage is returned for every handled message.
	ErrorOnMessage error
	PanicOnCall    bool
	// FailAfter makes kernel fail when it's called more times.
	FailAfter int
	Hooks

	desc     nodedesc.Node
	ports    []*buffer.Buffer
	mu       sync.Mutex
	messages []processor.Message
	params   []processor.Parameters
	resizes  []int
}

// NewKernel returns mock for provided description.
func NewKernel(desc nodedesc.Node) *Kernel {
	return &Kernel{
		desc:  desc,
		ports: make([]*buffer.Buffer, len(desc.Ports)),
	}
}

// Constructor returns constructor that always creates k.
func (k *Kernel) Constructor() processor.Constructor {
	return func(desc nodedesc.Node) (processor.Kernel, error) {
		k.desc = desc
		k.ports = make([]*buffer.Buffer, len(desc.Ports))
		return k, nil
	}
}

// Setup implements processor.Kernel.
func (k *Kernel) Setup(context.Context) error {
	k.SetUp = true
	return k.ErrorOnSetup
}

// Cleanup implements processor.Kernel.
func (k *Kernel) Cleanup(context.Context) error {
	k.CleanedUp = true
	return k.ErrorOnCleanup
}

// ConnectPort implements processor.Kernel.
func (k *Kernel) ConnectPort(_ *block.Context, idx int, buf *buffer.Buffer) error {
	k.ports[idx] = buf
	k.connects++
	return nil
}

// Process implements processor.Kernel.
func (k *Kernel) Process(bctx *block.Context, _ block.TimeMapper) error {
	if k.ErrorOnCall != nil {
		return k.ErrorOnCall
	}
	if k.PanicOnCall {
		panic("mock kernel panic")
	}
	if k.FailAfter > 0 && k.blocks >= k.FailAfter {
		return errFailAfter
	}
	for i, p := range k.desc.Ports {
		out := k.ports[i]
		if p.Direction != nodedesc.Output || out == nil {
			continue
		}
		out.Fill(k.Value)
		for j, in := range k.desc.Ports {
			if in.Direction == nodedesc.Input && in.Type == p.Type && k.ports[j] != nil {
				_ = out.Mix(k.ports[j])
			}
		}
	}
	k.advance(bctx.BlockSize)
	return nil
}

// HandleMessage implements processor.MessageHandler.
func (k *Kernel) HandleMessage(msg processor.Message) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ErrorOnMessage != nil {
		return k.ErrorOnMessage
	}
	k.messages = append(k.messages, msg)
	return nil
}

// Resize implements processor.Resizer.
func (k *Kernel) Resize(_ context.Context, _, blockSize int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resizes = append(k.resizes, blockSize)
	return k.ErrorOnResize
}

// Resizes returns block sizes kernel was resized to.
func (k *Kernel) Resizes() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.resizes...)
}

// SetParameters implements processor.ParameterSetter.
func (k *Kernel) SetParameters(params processor.Parameters) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.params = append(k.params, params)
	if v, ok := params["value"]; ok {
		k.Value = float32(v)
	}
	return nil
}

// Messages returns handled messages.
func (k *Kernel) Messages() []processor.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]processor.Message(nil), k.messages...)
}

// Port returns buffer connected to port.
func (k *Kernel) Port(idx int) *buffer.Buffer {
	return k.ports[idx]
}

// Hooks allows to mock kernel lifecycle.
type Hooks struct {
	SetUp     bool
	CleanedUp bool

	ErrorOnSetup   error
	ErrorOnCleanup error
	ErrorOnResize  error
}

type errString string

func (e errString) Error() string { return string(e) }

const errFailAfter = errString("mock kernel failed after limit")

// counter counts blocks and samples.
type counter struct {
	blocks   int
	samples  int
	connects int
}

func (c *counter) advance(size int) {
	c.blocks++
	c.samples += size
}

// Count returns blocks and samples metrics.
func (c *counter) Count() (int, int) {
	return c.blocks, c.samples
}

// Connects returns number of port connections.
func (c *counter) Connects() int {
	return c.connects
}
