// Package plugin hosts third-party DSP code out of the audio thread and,
// optionally, out of the engine process.
//
// Engine side of a plugin node is a Bridge kernel. It owns a shared memory
// segment with port buffers and a handshake cell, and a named pipe to the
// host. Every block Bridge copies inputs into shared memory, clears the cell
// and sends PROCESS_BLOCK. Host runs the plugin on shared buffers and
// signals the cell. If the cell isn't signaled in time, or the pipe is
// closed, the node becomes broken while the rest of the realm keeps
// running.
package plugin

import (
	"context"
	"errors"
	"time"

	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/nodedesc"
)

var (
	// ErrTimeout is returned when host doesn't signal processed block in time.
	ErrTimeout = errors.New("plugin handshake timed out")
	// ErrPipeClosed is returned when host side of the pipe is gone.
	ErrPipeClosed = errors.New("plugin pipe closed")
	// ErrProtocol is returned for malformed wire commands.
	ErrProtocol = errors.New("plugin protocol violation")
	// ErrNotFound is returned for unknown plugin ids.
	ErrNotFound = errors.New("plugin not found")
	// ErrExists is returned when plugin with the same id is running.
	ErrExists = errors.New("plugin exists")
	// ErrStateUnsupported is returned when plugin state can't be accessed.
	ErrStateUnsupported = errors.New("plugin state unsupported")
)

// Plugin is a DSP unit run by a host.
type Plugin interface {
	// Configure is called before the first block and on every memory
	// remap.
	Configure(sampleRate, blockSize int) error
	// Process processes a single block. Buffers are ordered as ports of
	// node description.
	Process(ports []*buffer.Buffer) error
	Close() error
}

// Stateful plugin exposes its state as opaque blob.
type Stateful interface {
	State() ([]byte, error)
	SetState([]byte) error
}

// Loader creates plugin for node description.
type Loader func(desc nodedesc.Node) (Plugin, error)

// Spec is a request to start plugin host.
type Spec struct {
	ID   string        `json:"id"`
	Node nodedesc.Node `json:"node"`
	// Pipe is a path of named pipe host reads commands from.
	Pipe string `json:"pipe"`
}

// Controller manages plugin hosts. It's a contract of the RPC layer between
// engine and hosts.
type Controller interface {
	CreatePlugin(ctx context.Context, spec Spec) error
	DeletePlugin(ctx context.Context, id string) error
	GetState(ctx context.Context, id string) ([]byte, error)
	SetState(ctx context.Context, id string, state []byte) error
}

// Config holds plugin hosting settings.
type Config struct {
	// Dir is a directory of shared memory segments and pipes.
	Dir string `yaml:"dir"`
	// HandshakeTimeout is the time host has to process a block.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// Attempts is the number of cell polls during the handshake.
	Attempts int `yaml:"attempts"`
	// PipeTimeout is the time host has to open the pipe.
	PipeTimeout time.Duration `yaml:"pipe_timeout"`
	// DeleteTimeout bounds host teardown. Local host that doesn't stop in
	// time is abandoned, process host is killed.
	DeleteTimeout time.Duration `yaml:"delete_timeout"`
}

// Defaults of Config.
const (
	DefaultDir              = "/dev/shm"
	DefaultHandshakeTimeout = 100 * time.Millisecond
	DefaultAttempts         = 200
	DefaultPipeTimeout      = 5 * time.Second
	DefaultDeleteTimeout    = 2 * time.Second
)

// DefaultConfig returns config with default settings.
func DefaultConfig() Config {
	return Config{
		Dir:              DefaultDir,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Attempts:         DefaultAttempts,
		PipeTimeout:      DefaultPipeTimeout,
		DeleteTimeout:    DefaultDeleteTimeout,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.PipeTimeout <= 0 {
		c.PipeTimeout = d.PipeTimeout
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = d.DeleteTimeout
	}
	return c
}

// condName is the name of handshake cell in shared memory layout.
const condName = ":cond"

// layout places port buffers and handshake cell.
func layout(desc nodedesc.Node, blockSize int) (buffer.Layout, error) {
	decls := make([]buffer.Decl, 0, len(desc.Ports)+1)
	for _, p := range desc.Ports {
		decls = append(decls, buffer.Decl{Name: p.Name, Type: PortBufferType(p.Type)})
	}
	decls = append(decls, buffer.Decl{Name: condName, Type: buffer.PluginCond{}})
	return buffer.NewLayout(blockSize, decls...)
}

// PortBufferType returns buffer type of port type.
func PortBufferType(t nodedesc.PortType) buffer.Type {
	switch t {
	case nodedesc.KRateControl:
		return buffer.Float{}
	case nodedesc.Events:
		return buffer.Atom{}
	}
	return buffer.AudioBlock{}
}
