package buffer

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Buffer is a named, typed memory cell.
type Buffer struct {
	name string
	typ  Type
	data []byte
}

// New allocates standalone buffer. Realm buffers are allocated by Arena.
func New(name string, t Type, blockSize int) *Buffer {
	return &Buffer{
		name: name,
		typ:  t,
		data: make([]byte, t.Size(blockSize)),
	}
}

// Name of the buffer.
func (b *Buffer) Name() string { return b.name }

// Type of the buffer.
func (b *Buffer) Type() Type { return b.typ }

// Bytes returns underlying memory.
func (b *Buffer) Bytes() []byte { return b.data }

// Floats returns float view of float and audio buffers. Nil is returned
// for other types.
func (b *Buffer) Floats() []float32 {
	switch b.typ.(type) {
	case Float, AudioBlock:
		return floats(b.data)
	}
	return nil
}

// Float returns the first value of float view.
func (b *Buffer) Float() float32 {
	if f := b.Floats(); len(f) > 0 {
		return f[0]
	}
	return 0
}

// Fill sets every element of float view to v.
func (b *Buffer) Fill(v float32) {
	f := b.Floats()
	for i := range f {
		f[i] = v
	}
}

// Atoms returns event view of atom buffers.
func (b *Buffer) Atoms() AtomSequence {
	if _, ok := b.typ.(Atom); !ok {
		return AtomSequence{}
	}
	return AtomSequence{b: b.data}
}

// Clear sets buffer to silence.
func (b *Buffer) Clear() { b.typ.Clear(b.data) }

// Mix adds src into this buffer.
func (b *Buffer) Mix(src *Buffer) error {
	if !Equal(b.typ, src.typ) {
		return fmt.Errorf("mix %v into %v: %w", src, b, ErrTypeMismatch)
	}
	return b.typ.Mix(src.data, b.data)
}

// Mul scales buffer by k.
func (b *Buffer) Mul(k float32) error {
	return b.typ.Mul(b.data, k)
}

// Copy replaces content with content of src.
func (b *Buffer) Copy(src *Buffer) error {
	if !Equal(b.typ, src.typ) || len(b.data) != len(src.data) {
		return fmt.Errorf("copy %v into %v: %w", src, b, ErrTypeMismatch)
	}
	copy(b.data, src.data)
	return nil
}

// RMS returns root mean square of float view.
func (b *Buffer) RMS() float32 {
	f := b.Floats()
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, v := range f {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(f))))
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s(%v)", b.name, b.typ)
}

// Cell returns handshake cell view of plugin cond buffer.
func (b *Buffer) Cell() (*Cell, error) {
	if _, ok := b.typ.(PluginCond); !ok {
		return nil, fmt.Errorf("cell view of %v: %w", b, ErrTypeMismatch)
	}
	return &Cell{v: cell(b.data)}, nil
}

// WaitResult is the outcome of waiting on a handshake cell.
type WaitResult int

const (
	// Signaled means the other side has set the cell.
	Signaled WaitResult = iota
	// TimedOut means no signal within the bounded number of attempts.
	TimedOut
)

func (r WaitResult) String() string {
	if r == Signaled {
		return "signaled"
	}
	return "timed out"
}

// Cell is a cross-process handshake primitive. It can be placed on memory
// mapped by multiple processes.
type Cell struct {
	v *uint32
}

// Clear sets the cell to unsignaled.
func (c *Cell) Clear() { atomic.StoreUint32(c.v, 0) }

// Signal sets the cell.
func (c *Cell) Signal() { atomic.StoreUint32(c.v, 1) }

// IsSet reports current state without waiting.
func (c *Cell) IsSet() bool { return atomic.LoadUint32(c.v) != 0 }

// Wait polls the cell until it's signaled. Timeout is split into attempts
// equal intervals, so the wait never exceeds timeout by more than one
// interval.
func (c *Cell) Wait(timeout time.Duration, attempts int) WaitResult {
	if attempts <= 0 {
		attempts = 1
	}
	interval := timeout / time.Duration(attempts)
	for i := 0; i < attempts; i++ {
		if c.IsSet() {
			return Signaled
		}
		time.Sleep(interval)
	}
	if c.IsSet() {
		return Signaled
	}
	return TimedOut
}
