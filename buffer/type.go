// Package buffer provides typed, named memory cells used by the realm VM and
// by processors. Buffers live in an Arena, which is a single contiguous
// memory region laid out from a list of declarations. The same layout can be
// placed on external memory, e.g. a shared memory segment of a plugin host.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrUnsupported is returned when operation is not defined for the type.
	ErrUnsupported = errors.New("operation not supported by buffer type")
	// ErrTypeMismatch is returned when two buffers of different types are combined
	// or when a name is redeclared with a different type.
	ErrTypeMismatch = errors.New("buffer type mismatch")
	// ErrAtomOverflow is returned when atom sequence has no capacity left.
	ErrAtomOverflow = errors.New("atom sequence overflow")
)

// Type defines size and operations of a buffer kind.
type Type interface {
	// Size returns size in bytes for provided block size.
	Size(blockSize int) int
	// Clear fills memory with silence value of this type.
	Clear(b []byte)
	// Mix adds src to dst.
	Mix(src, dst []byte) error
	// Mul scales every element by k.
	Mul(b []byte, k float32) error
	String() string
}

type (
	// Float is a single control value per block.
	Float struct{}

	// AudioBlock holds one sample per frame of the block.
	AudioBlock struct{}

	// Atom is a serialized sequence of timed events.
	Atom struct {
		Capacity int
	}

	// PluginCond is a handshake cell shared with a plugin host process.
	PluginCond struct{}
)

// DefaultAtomCapacity is the capacity of atom buffers declared by ports.
const DefaultAtomCapacity = 10240

const (
	floatSize  = 4
	condSize   = 8
	atomHeader = 8
	eventHead  = 8
)

// Equal reports whether two types describe the same memory. Atom with
// zero capacity equals atom of default capacity.
func Equal(a, b Type) bool {
	if x, ok := a.(Atom); ok {
		y, ok := b.(Atom)
		return ok && x.capacity() == y.capacity()
	}
	return a == b
}

// Size of float type is independent from block size.
func (Float) Size(int) int { return floatSize }

// Clear sets value to zero.
func (Float) Clear(b []byte) { zero(b) }

// Mix adds scalar values.
func (Float) Mix(src, dst []byte) error {
	d, s := floats(dst), floats(src)
	d[0] += s[0]
	return nil
}

// Mul scales scalar value.
func (Float) Mul(b []byte, k float32) error {
	floats(b)[0] *= k
	return nil
}

func (Float) String() string { return "float" }

// Size of audio block is one float per frame.
func (AudioBlock) Size(blockSize int) int { return floatSize * blockSize }

// Clear sets all samples to zero.
func (AudioBlock) Clear(b []byte) { zero(b) }

// Mix adds samples element-wise.
func (AudioBlock) Mix(src, dst []byte) error {
	d, s := floats(dst), floats(src)
	if len(d) != len(s) {
		return fmt.Errorf("mix %d samples into %d: %w", len(s), len(d), ErrTypeMismatch)
	}
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

// Mul scales all samples.
func (AudioBlock) Mul(b []byte, k float32) error {
	f := floats(b)
	for i := range f {
		f[i] *= k
	}
	return nil
}

func (AudioBlock) String() string { return "audio_block" }

// Size of atom buffer doesn't depend on block size.
func (t Atom) Size(int) int { return atomHeader + t.capacity() }

// Clear removes all events.
func (Atom) Clear(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], 0)
	binary.LittleEndian.PutUint32(b[4:8], 0)
}

// Mix merges events of src into dst ordered by frame. Events of dst go
// first if frames are equal. Events of dst are moved to the tail of its
// memory and merged forward, so no memory is allocated.
func (Atom) Mix(src, dst []byte) error {
	s, d := AtomSequence{b: src}, AtomSequence{b: dst}
	if s.Len() == 0 {
		return nil
	}
	dused, sused := d.used(), s.used()
	if dused+sused > len(dst)-atomHeader {
		return ErrAtomOverflow
	}
	count := d.Len() + s.Len()

	r := len(dst) - dused
	copy(dst[r:], dst[atomHeader:atomHeader+dused])
	w := atomHeader
	si := s.iter()
	se, sok := si.next()
	for r < len(dst) || sok {
		if r < len(dst) {
			frame := binary.LittleEndian.Uint32(dst[r:])
			if !sok || frame <= se.Frame {
				size := eventHead + int(binary.LittleEndian.Uint32(dst[r+4:]))
				copy(dst[w:], dst[r:r+size])
				w += size
				r += size
				continue
			}
		}
		// w never passes unread dst events: src fits into the free space.
		binary.LittleEndian.PutUint32(dst[w:], se.Frame)
		binary.LittleEndian.PutUint32(dst[w+4:], uint32(len(se.Data)))
		copy(dst[w+eventHead:], se.Data)
		w += eventHead + len(se.Data)
		se, sok = si.next()
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(count))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(w-atomHeader))
	return nil
}

// Mul is not defined for events.
func (Atom) Mul([]byte, float32) error { return ErrUnsupported }

func (t Atom) String() string { return fmt.Sprintf("atom(%d)", t.capacity()) }

func (t Atom) capacity() int {
	if t.Capacity <= 0 {
		return DefaultAtomCapacity
	}
	return t.Capacity
}

// Size of handshake cell.
func (PluginCond) Size(int) int { return condSize }

// Clear resets the cell to unsignaled state.
func (PluginCond) Clear(b []byte) {
	atomic.StoreUint32(cell(b), 0)
}

// Mix is not defined for handshake cells.
func (PluginCond) Mix([]byte, []byte) error { return ErrUnsupported }

// Mul is not defined for handshake cells.
func (PluginCond) Mul([]byte, float32) error { return ErrUnsupported }

func (PluginCond) String() string { return "plugin_cond" }

// ParseType returns type by its string representation.
func ParseType(s string) (Type, error) {
	switch s {
	case "float":
		return Float{}, nil
	case "audio_block":
		return AudioBlock{}, nil
	case "plugin_cond":
		return PluginCond{}, nil
	}
	var capacity int
	if _, err := fmt.Sscanf(s, "atom(%d)", &capacity); err == nil {
		return Atom{Capacity: capacity}, nil
	}
	return nil, fmt.Errorf("buffer type %q: %w", s, ErrUnsupported)
}

// floats reinterprets memory as float32 slice.
func floats(b []byte) []float32 {
	if len(b) < floatSize {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/floatSize)
}

func cell(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
