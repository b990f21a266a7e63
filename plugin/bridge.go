package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

// Bridge is the engine side of a plugin node. It implements
// processor.Kernel, so a failing host makes the node broken.
//
// Pipe writes and handshake waits are done by the worker goroutine. The
// audio thread waits for the worker no longer than the handshake timeout.
type Bridge struct {
	id      string
	desc    nodedesc.Node
	ctrl    Controller
	cfg     Config
	watcher *StateWatcher
	logger  logrus.FieldLogger
	metrics *metric.Plugin

	pipePath string
	pipe     *os.File
	requests chan request
	results  chan error
	// done is a future of the worker result.
	done  chan error
	timer *time.Timer

	// mapped by Resize on the control plane and read by the audio thread.
	mem    *SharedMemory
	shared []*buffer.Buffer
	cell   *buffer.Cell
	ports  []*buffer.Buffer
	mapped int
}

// request is a unit of worker job: either memory map or block.
type request struct {
	mm   *MemoryMap
	cell *buffer.Cell
}

// BridgeOption configures bridge.
type BridgeOption func(*Bridge)

// WithConfig sets hosting settings.
func WithConfig(c Config) BridgeOption {
	return func(b *Bridge) {
		b.cfg = c.withDefaults()
	}
}

// WithLogger sets bridge logger.
func WithLogger(l logrus.FieldLogger) BridgeOption {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithMetrics enables handshake timeout metrics. Blocks are counted by
// the host.
func WithMetrics(m *metric.Metrics) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m.Plugin(b.id)
	}
}

// WithStateWatcher makes bridge restore plugin state at setup and keep it
// persisted while the node exists.
func WithStateWatcher(w *StateWatcher) BridgeOption {
	return func(b *Bridge) {
		b.watcher = w
	}
}

// NewBridge returns bridge to the plugin of the node.
func NewBridge(id string, desc nodedesc.Node, ctrl Controller, options ...BridgeOption) *Bridge {
	b := &Bridge{
		id:     id,
		desc:   desc,
		ctrl:   ctrl,
		cfg:    DefaultConfig(),
		logger: log.Discard(),
		ports:  make([]*buffer.Buffer, len(desc.Ports)),
	}
	for _, option := range options {
		option(b)
	}
	b.logger = b.logger.WithField("plugin", id)
	return b
}

// Factory returns constructor of bridges for plugin nodes. It's compatible
// with engine.PluginFactory.
func Factory(ctrl Controller, options ...BridgeOption) func(string, nodedesc.Node) (processor.Kernel, error) {
	return func(id string, desc nodedesc.Node) (processor.Kernel, error) {
		return NewBridge(id, desc, ctrl, options...), nil
	}
}

// Setup starts the host and opens the pipe.
func (b *Bridge) Setup(ctx context.Context) (err error) {
	if b.pipePath, err = createPipe(b.cfg.Dir); err != nil {
		return err
	}
	if err := b.ctrl.CreatePlugin(ctx, Spec{ID: b.id, Node: b.desc, Pipe: b.pipePath}); err != nil {
		return multierr.Append(err, os.Remove(b.pipePath))
	}
	if b.pipe, err = openPipeWriter(ctx, b.pipePath, b.cfg.PipeTimeout); err != nil {
		return multierr.Combine(err, b.ctrl.DeletePlugin(ctx, b.id), os.Remove(b.pipePath))
	}
	if b.watcher != nil {
		if err := b.watcher.Watch(ctx, b.id); err != nil {
			b.logger.WithError(err).Warn("state not restored")
		}
	}
	b.requests = make(chan request, 1)
	b.results = make(chan error, 1)
	b.done = make(chan error, 1)
	b.timer = time.NewTimer(time.Hour)
	b.timer.Stop()
	go b.work(b.pipe, b.requests, b.results, b.done)
	b.logger.Debug("bridge set up")
	return nil
}

// work serves requests until requests channel is closed or the first
// failure.
func (b *Bridge) work(pipe *os.File, requests <-chan request, results chan<- error, done chan<- error) {
	defer close(done)
	for req := range requests {
		err := b.serve(pipe, req)
		results <- err
		if err != nil {
			done <- err
			return
		}
	}
}

func (b *Bridge) serve(pipe *os.File, req request) error {
	if req.mm != nil {
		if err := WriteMemoryMap(pipe, *req.mm); err != nil {
			return fmt.Errorf("%s: %v: %w", b.id, err, ErrPipeClosed)
		}
		return nil
	}
	if err := WriteProcessBlock(pipe); err != nil {
		return fmt.Errorf("%s: %v: %w", b.id, err, ErrPipeClosed)
	}
	if req.cell.Wait(b.cfg.HandshakeTimeout, b.cfg.Attempts) == buffer.TimedOut {
		return fmt.Errorf("%s in %v: %w", b.id, b.cfg.HandshakeTimeout, ErrTimeout)
	}
	return nil
}

// roundTrip hands request to the worker and waits for the result.
func (b *Bridge) roundTrip(req request) error {
	select {
	case b.requests <- req:
	default:
		return fmt.Errorf("%s has request in flight: %w", b.id, ErrTimeout)
	}
	// worker bounds its wait by the handshake timeout, the extra time
	// covers the pipe write.
	b.timer.Reset(2 * b.cfg.HandshakeTimeout)
	select {
	case err := <-b.results:
		if !b.timer.Stop() {
			<-b.timer.C
		}
		return err
	case <-b.timer.C:
		return fmt.Errorf("%s in %v: %w", b.id, 2*b.cfg.HandshakeTimeout, ErrTimeout)
	}
}

// ConnectPort implements processor.Kernel. It only records the buffer:
// shared memory is mapped by Resize.
func (b *Bridge) ConnectPort(_ *block.Context, idx int, buf *buffer.Buffer) error {
	if idx < 0 || idx >= len(b.ports) {
		return fmt.Errorf("%s port %d: %w", b.id, idx, processor.ErrPortIndex)
	}
	b.ports[idx] = buf
	return nil
}

// Resize implements processor.Resizer. It creates shared memory for the
// block size and sends it to the host. Old segment is released after the
// host acknowledges the new one.
func (b *Bridge) Resize(_ context.Context, sampleRate, blockSize int) error {
	if b.mapped == blockSize {
		return nil
	}
	l, err := layout(b.desc, blockSize)
	if err != nil {
		return err
	}
	mem, err := CreateSharedMemory(b.cfg.Dir, l.Size)
	if err != nil {
		return err
	}
	arena, err := buffer.NewArenaOn(mem.Bytes(), l)
	if err != nil {
		return multierr.Append(err, mem.Close())
	}
	shared := make([]*buffer.Buffer, len(b.desc.Ports))
	for i, p := range b.desc.Ports {
		if shared[i], err = arena.Lookup(p.Name, PortBufferType(p.Type)); err != nil {
			return multierr.Append(err, mem.Close())
		}
	}
	cond, err := arena.Lookup(condName, buffer.PluginCond{})
	if err != nil {
		return multierr.Append(err, mem.Close())
	}
	cell, err := cond.Cell()
	if err != nil {
		return multierr.Append(err, mem.Close())
	}
	arena.Clear()

	mm := NewMemoryMap(mem, sampleRate, l)
	if err := b.roundTrip(request{mm: &mm}); err != nil {
		return multierr.Append(err, mem.Close())
	}
	// host holds its own mapping of the old segment until it remaps.
	if b.mem != nil {
		if err := b.mem.Close(); err != nil {
			b.logger.WithError(err).Warn("old segment not released")
		}
	}
	b.mem, b.shared, b.cell, b.mapped = mem, shared, cell, blockSize
	b.logger.WithField("block_size", blockSize).Debug("memory mapped")
	return nil
}

// Process implements processor.Kernel.
func (b *Bridge) Process(bctx *block.Context, _ block.TimeMapper) error {
	if b.cell == nil {
		return fmt.Errorf("%s isn't mapped: %w", b.id, ErrProtocol)
	}
	if bctx.BlockSize != b.mapped {
		return fmt.Errorf("%s mapped for %d, got block of %d: %w", b.id, b.mapped, bctx.BlockSize, ErrProtocol)
	}
	for i, p := range b.desc.Ports {
		if p.Direction == nodedesc.Input && b.ports[i] != nil {
			if err := b.shared[i].Copy(b.ports[i]); err != nil {
				return err
			}
		}
	}
	b.cell.Clear()
	if err := b.roundTrip(request{cell: b.cell}); err != nil {
		if errors.Is(err, ErrTimeout) {
			b.metrics.Timeout()
		}
		return err
	}
	for i, p := range b.desc.Ports {
		if p.Direction == nodedesc.Output && b.ports[i] != nil {
			if err := b.ports[i].Copy(b.shared[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup stops the worker, closes the pipe and deletes the host. Host
// teardown is bounded by DeleteTimeout, a host that doesn't stop in time
// is left to the controller.
func (b *Bridge) Cleanup(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, b.cfg.DeleteTimeout)
	defer cancel()
	var err error
	if b.requests != nil {
		close(b.requests)
		b.requests = nil
	}
	if b.pipe != nil {
		// unblocks the worker if it's stuck on write.
		err = multierr.Append(err, b.pipe.Close())
		b.pipe = nil
	}
	if b.done != nil {
		select {
		case werr := <-b.done:
			if werr != nil {
				b.logger.WithError(werr).Debug("worker stopped")
			}
		case <-dctx.Done():
			b.logger.Warn("worker didn't stop")
		}
		b.done = nil
	}
	if b.watcher != nil {
		b.watcher.Unwatch(b.id)
	}
	if derr := b.ctrl.DeletePlugin(dctx, b.id); derr != nil {
		switch {
		case errors.Is(derr, ErrNotFound):
			b.logger.Debug("host is already deleted")
		case errors.Is(derr, context.DeadlineExceeded) && ctx.Err() == nil:
			b.logger.WithError(derr).WithField("timeout", b.cfg.DeleteTimeout).Warn("host didn't stop")
		default:
			err = multierr.Append(err, derr)
		}
	}
	if b.mem != nil {
		err = multierr.Append(err, b.mem.Close())
		b.mem, b.shared, b.cell, b.mapped = nil, nil, nil, 0
	}
	if b.pipePath != "" {
		err = multierr.Append(err, os.Remove(b.pipePath))
		b.pipePath = ""
	}
	b.logger.Debug("bridge cleaned up")
	return err
}
