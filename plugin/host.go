package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/nodedesc"
)

// Host runs a single plugin on commands read from the pipe. It's the
// counterpart of Bridge and may live in a separate process.
type Host struct {
	id      string
	desc    nodedesc.Node
	plugin  Plugin
	logger  logrus.FieldLogger
	metrics *metric.Plugin

	// mu serializes access to the plugin.
	mu    sync.Mutex
	mem   *SharedMemory
	ports []*buffer.Buffer
	cell  *buffer.Cell
}

// HostOption configures host.
type HostOption func(*Host)

// WithHostLogger sets host logger.
func WithHostLogger(l logrus.FieldLogger) HostOption {
	return func(h *Host) {
		h.logger = l
	}
}

// WithHostMetrics enables host metrics.
func WithHostMetrics(m *metric.Metrics) HostOption {
	return func(h *Host) {
		h.metrics = m.Plugin(h.id)
	}
}

// NewHost returns host of the plugin.
func NewHost(id string, desc nodedesc.Node, p Plugin, options ...HostOption) *Host {
	h := &Host{
		id:     id,
		desc:   desc,
		plugin: p,
		logger: log.Discard(),
	}
	for _, option := range options {
		option(h)
	}
	h.logger = h.logger.WithField("plugin", id)
	return h
}

// Run serves commands until the engine closes the pipe or ctx is done.
func (h *Host) Run(ctx context.Context, pipe string) error {
	f, err := openPipeReader(ctx, pipe)
	if err != nil {
		return err
	}
	defer f.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-stop:
		}
	}()

	h.logger.Debug("host started")
	r := bufio.NewReader(f)
	for {
		cmd, err := ReadCommand(r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				h.logger.Debug("host stopped")
				return nil
			}
			return fmt.Errorf("host %s: %w", h.id, err)
		}
		if err := h.handle(cmd); err != nil {
			return fmt.Errorf("host %s: %w", h.id, err)
		}
	}
}

func (h *Host) handle(cmd Command) error {
	switch cmd.Name {
	case CmdMemoryMap:
		return h.remap(*cmd.MemoryMap)
	case CmdProcessBlock:
		return h.process()
	}
	return fmt.Errorf("command %q: %w", cmd.Name, ErrProtocol)
}

// remap attaches to the new segment and reconfigures the plugin.
func (h *Host) remap(mm MemoryMap) error {
	l, err := mm.Layout()
	if err != nil {
		return err
	}
	mem, err := OpenSharedMemory(mm.Path, mm.Size)
	if err != nil {
		return err
	}
	arena, err := buffer.NewArenaOn(mem.Bytes(), l)
	if err != nil {
		return multierr.Append(err, mem.Close())
	}
	ports := make([]*buffer.Buffer, len(h.desc.Ports))
	for i, p := range h.desc.Ports {
		if ports[i], err = arena.Lookup(p.Name, PortBufferType(p.Type)); err != nil {
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

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.plugin.Configure(mm.SampleRate, mm.BlockSize); err != nil {
		return multierr.Append(err, mem.Close())
	}
	if h.mem != nil {
		err = h.mem.Close()
	}
	h.mem, h.ports, h.cell = mem, ports, cell
	h.logger.WithField("block_size", mm.BlockSize).Debug("memory mapped")
	return err
}

// process runs the plugin and signals the cell. Failed block is never
// signaled, so the engine side times out.
func (h *Host) process() (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cell == nil {
		return fmt.Errorf("%s before %s: %w", CmdProcessBlock, CmdMemoryMap, ErrProtocol)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	if err := h.plugin.Process(h.ports); err != nil {
		return err
	}
	h.cell.Signal()
	h.metrics.Block()
	return nil
}

// State returns plugin state.
func (h *Host) State() ([]byte, error) {
	s, ok := h.plugin.(Stateful)
	if !ok {
		return nil, fmt.Errorf("%s: %w", h.id, ErrStateUnsupported)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.State()
}

// SetState restores plugin state.
func (h *Host) SetState(state []byte) error {
	s, ok := h.plugin.(Stateful)
	if !ok {
		return fmt.Errorf("%s: %w", h.id, ErrStateUnsupported)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.SetState(state)
}

// Close releases the plugin and shared memory. Must be called after Run
// returned.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.plugin.Close()
	if h.mem != nil {
		err = multierr.Append(err, h.mem.Close())
		h.mem, h.ports, h.cell = nil, nil, nil
	}
	return err
}
