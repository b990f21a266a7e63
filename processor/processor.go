// Package processor defines the contract of DSP units invoked by the realm.
//
// Processor wraps a Kernel and owns its lifecycle. It queues messages and
// parameters from the control plane and applies them on the audio thread at
// the start of the next block. A failing kernel makes the processor broken:
// it keeps clearing its outputs for every consequent block and never returns
// an error again.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/nodedesc"
)

var (
	// ErrBroken is reported once when processor transitions to broken.
	ErrBroken = errors.New("processor is broken")
	// ErrInvalidState is returned when lifecycle method is called in a
	// wrong state.
	ErrInvalidState = errors.New("invalid processor state")
	// ErrQueueFull is returned when control plane sends faster than
	// blocks are processed.
	ErrQueueFull = errors.New("processor queue is full")
	// ErrUnsupportedMessage is returned by kernels for unknown messages
	// and by processors which kernel doesn't handle messages at all.
	ErrUnsupportedMessage = errors.New("unsupported message")
	// ErrPortIndex is returned when port index is out of range.
	ErrPortIndex = errors.New("port index out of range")
)

// State of the processor.
type State int32

const (
	// Inactive processor isn't set up yet.
	Inactive State = iota
	// Running processor takes part in block processing.
	Running
	// Broken processor outputs silence.
	Broken
	// CleanedUp processor released its resources.
	CleanedUp
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Running:
		return "running"
	case Broken:
		return "broken"
	case CleanedUp:
		return "cleaned up"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type (
	// Message is an out of band control message. Kernels define their own
	// message types.
	Message interface{}

	// Parameters are named numeric kernel parameters.
	Parameters map[string]float64

	// Kernel is the DSP part of processor. Kernels are called only from
	// Processor methods, so they don't need synchronization.
	Kernel interface {
		Setup(ctx context.Context) error
		Cleanup(ctx context.Context) error
		ConnectPort(bctx *block.Context, idx int, buf *buffer.Buffer) error
		Process(bctx *block.Context, tm block.TimeMapper) error
	}

	// MessageHandler is implemented by kernels that accept messages.
	MessageHandler interface {
		HandleMessage(msg Message) error
	}

	// ParameterSetter is implemented by kernels that accept parameters.
	ParameterSetter interface {
		SetParameters(params Parameters) error
	}

	// Resizer is implemented by kernels that allocate block size dependent
	// resources. Resize is called on the control plane after setup and on
	// every block size change, never concurrently with Process.
	Resizer interface {
		Resize(ctx context.Context, sampleRate, blockSize int) error
	}
)

// Error is returned by ProcessBlock when processor becomes broken.
type Error struct {
	Processor string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("processor %s broken: %v", e.Processor, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is makes every processor error match ErrBroken.
func (e *Error) Is(target error) bool { return target == ErrBroken }

// DefaultQueueSize is capacity of message and parameter queues.
const DefaultQueueSize = 64

// Processor is a node's DSP unit.
type Processor struct {
	id       string
	desc     nodedesc.Node
	kernel   Kernel
	state    atomic.Int32
	messages chan Message
	params   chan Parameters
	ports    []*buffer.Buffer
	logger   logrus.FieldLogger
	onChange func(State)
}

// Option configures processor.
type Option func(*Processor)

// WithLogger sets processor logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithQueueSize sets capacity of message queues.
func WithQueueSize(n int) Option {
	return func(p *Processor) {
		p.messages = make(chan Message, n)
		p.params = make(chan Parameters, n)
	}
}

// WithStateListener sets function called on every state transition. It's
// called on the goroutine that caused the transition, including the audio
// thread, so it must not block.
func WithStateListener(fn func(State)) Option {
	return func(p *Processor) {
		p.onChange = fn
	}
}

// New returns inactive processor for the node.
func New(id string, desc nodedesc.Node, k Kernel, options ...Option) *Processor {
	p := &Processor{
		id:       id,
		desc:     desc,
		kernel:   k,
		messages: make(chan Message, DefaultQueueSize),
		params:   make(chan Parameters, DefaultQueueSize),
		ports:    make([]*buffer.Buffer, len(desc.Ports)),
		logger:   log.Discard(),
	}
	for _, option := range options {
		option(p)
	}
	p.logger = p.logger.WithField("processor", id)
	return p
}

// ID of the processor.
func (p *Processor) ID() string { return p.id }

// Description of the processor's node.
func (p *Processor) Description() nodedesc.Node { return p.desc }

// Kernel returns wrapped kernel.
func (p *Processor) Kernel() Kernel { return p.kernel }

// State returns current state.
func (p *Processor) State() State { return State(p.state.Load()) }

func (p *Processor) setState(s State) {
	if State(p.state.Swap(int32(s))) != s && p.onChange != nil {
		p.onChange(s)
	}
}

// Setup acquires kernel resources. Must not be called from the audio thread.
func (p *Processor) Setup(ctx context.Context) error {
	if s := p.State(); s != Inactive {
		return fmt.Errorf("setup %s in %v state: %w", p.id, s, ErrInvalidState)
	}
	if err := p.kernel.Setup(ctx); err != nil {
		return fmt.Errorf("setup %s: %w", p.id, err)
	}
	p.setState(Running)
	p.logger.Debug("set up")
	return nil
}

// Cleanup releases kernel resources. Broken processors are cleaned up as
// well.
func (p *Processor) Cleanup(ctx context.Context) error {
	switch s := p.State(); s {
	case Running, Broken:
	default:
		return fmt.Errorf("cleanup %s in %v state: %w", p.id, s, ErrInvalidState)
	}
	p.setState(CleanedUp)
	p.logger.Debug("cleaned up")
	if err := p.kernel.Cleanup(ctx); err != nil {
		return fmt.Errorf("cleanup %s: %w", p.id, err)
	}
	return nil
}

// ConnectPort binds port to the buffer. Broken processors keep the binding
// to clear their outputs.
func (p *Processor) ConnectPort(bctx *block.Context, idx int, buf *buffer.Buffer) error {
	if idx < 0 || idx >= len(p.ports) {
		return fmt.Errorf("connect %s port %d: %w", p.id, idx, ErrPortIndex)
	}
	p.ports[idx] = buf
	if p.State() != Running {
		return nil
	}
	if err := p.call(func() error { return p.kernel.ConnectPort(bctx, idx, buf) }); err != nil {
		return p.fail(bctx, err)
	}
	return nil
}

// Resize lets kernel reallocate resources for the new block size. Failed
// kernel makes processor broken. Processors that aren't running are
// skipped.
func (p *Processor) Resize(ctx context.Context, sampleRate, blockSize int) error {
	r, ok := p.kernel.(Resizer)
	if !ok || p.State() != Running {
		return nil
	}
	if err := p.call(func() error { return r.Resize(ctx, sampleRate, blockSize) }); err != nil {
		return p.fail(nil, fmt.Errorf("resize to %d: %w", blockSize, err))
	}
	return nil
}

// HandleMessage queues message for the next block. Kernels that don't
// handle messages reject them right away.
func (p *Processor) HandleMessage(msg Message) error {
	if _, ok := p.kernel.(MessageHandler); !ok {
		return fmt.Errorf("%T to %s: %w", msg, p.id, ErrUnsupportedMessage)
	}
	select {
	case p.messages <- msg:
		return nil
	default:
		return fmt.Errorf("message to %s: %w", p.id, ErrQueueFull)
	}
}

// SetParameters queues parameters for the next block.
func (p *Processor) SetParameters(params Parameters) error {
	select {
	case p.params <- params:
		return nil
	default:
		return fmt.Errorf("parameters to %s: %w", p.id, ErrQueueFull)
	}
}

// ProcessBlock applies queued messages and processes a single block. Error
// is returned only once, when processor transitions to broken state.
func (p *Processor) ProcessBlock(bctx *block.Context, tm block.TimeMapper) error {
	if p.State() != Running {
		p.silence()
		return nil
	}
	if err := p.drain(); err != nil {
		return p.fail(bctx, err)
	}
	if err := p.call(func() error { return p.kernel.Process(bctx, tm) }); err != nil {
		return p.fail(bctx, err)
	}
	return nil
}

// drain applies all queued messages without blocking.
func (p *Processor) drain() error {
	for {
		select {
		case msg := <-p.messages:
			h := p.kernel.(MessageHandler)
			if err := p.call(func() error { return h.HandleMessage(msg) }); err != nil {
				return err
			}
		case params := <-p.params:
			s, ok := p.kernel.(ParameterSetter)
			if !ok {
				continue
			}
			if err := p.call(func() error { return s.SetParameters(params) }); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// call runs kernel function and converts panic into error.
func (p *Processor) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (p *Processor) fail(bctx *block.Context, err error) error {
	p.setState(Broken)
	p.silence()
	p.logger.WithError(err).Warn("broken")
	if bctx != nil {
		bctx.Notify(block.Notification{Type: block.StateChanged, Source: p.id, State: Broken.String()})
		bctx.Notify(block.Notification{Type: block.Failure, Source: p.id, Err: err})
	}
	return &Error{Processor: p.id, Err: err}
}

// silence clears all connected output buffers.
func (p *Processor) silence() {
	for i, b := range p.ports {
		if b != nil && p.desc.Ports[i].Direction == nodedesc.Output {
			b.Clear()
		}
	}
}
