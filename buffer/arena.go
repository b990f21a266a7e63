package buffer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBuffer is returned when name is not declared in arena.
	ErrUnknownBuffer = errors.New("unknown buffer")
	// ErrShortMemory is returned when external memory can't hold the layout.
	ErrShortMemory = errors.New("memory is too short for layout")
)

// alignment of every buffer offset.
const alignment = 8

// Decl declares a named buffer.
type Decl struct {
	Name string
	Type Type
}

// Entry is a declaration placed at offset.
type Entry struct {
	Decl
	Offset int
	Size   int
}

// Layout describes placement of buffers in contiguous memory.
type Layout struct {
	BlockSize int
	Size      int
	Entries   []Entry
}

// NewLayout places declarations one after another. A name may be declared
// more than once only with the same type, repeated declarations refer to the
// same buffer.
func NewLayout(blockSize int, decls ...Decl) (Layout, error) {
	l := Layout{
		BlockSize: blockSize,
		Entries:   make([]Entry, 0, len(decls)),
	}
	seen := make(map[string]Type, len(decls))
	offset := 0
	for _, d := range decls {
		if t, ok := seen[d.Name]; ok {
			if !Equal(t, d.Type) {
				return Layout{}, fmt.Errorf("redeclare %s(%v) as %v: %w", d.Name, t, d.Type, ErrTypeMismatch)
			}
			continue
		}
		seen[d.Name] = d.Type
		size := d.Type.Size(blockSize)
		l.Entries = append(l.Entries, Entry{Decl: d, Offset: offset, Size: size})
		offset = align(offset + size)
	}
	l.Size = offset
	return l, nil
}

// Entry returns the entry for provided name.
func (l Layout) Entry(name string) (Entry, bool) {
	for _, e := range l.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Arena owns named buffers of a single layout.
type Arena struct {
	layout  Layout
	mem     []byte
	buffers []*Buffer
	index   map[string]*Buffer
}

// NewArena allocates memory for declared buffers and clears them.
func NewArena(blockSize int, decls ...Decl) (*Arena, error) {
	l, err := NewLayout(blockSize, decls...)
	if err != nil {
		return nil, err
	}
	return NewArenaOn(make([]byte, l.Size), l)
}

// NewArenaOn places layout on provided memory. Memory is not cleared, so
// arena can be attached to memory that is already in use.
func NewArenaOn(mem []byte, l Layout) (*Arena, error) {
	if len(mem) < l.Size {
		return nil, fmt.Errorf("layout of %d bytes on %d bytes: %w", l.Size, len(mem), ErrShortMemory)
	}
	a := &Arena{
		layout:  l,
		mem:     mem,
		buffers: make([]*Buffer, len(l.Entries)),
		index:   make(map[string]*Buffer, len(l.Entries)),
	}
	for i, e := range l.Entries {
		b := &Buffer{
			name: e.Name,
			typ:  e.Type,
			data: mem[e.Offset : e.Offset+e.Size : e.Offset+e.Size],
		}
		a.buffers[i] = b
		a.index[e.Name] = b
	}
	return a, nil
}

// Get returns buffer by name.
func (a *Arena) Get(name string) (*Buffer, error) {
	if b, ok := a.index[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrUnknownBuffer)
}

// Lookup returns buffer by name and checks its type.
func (a *Arena) Lookup(name string, t Type) (*Buffer, error) {
	b, err := a.Get(name)
	if err != nil {
		return nil, err
	}
	if !Equal(b.typ, t) {
		return nil, fmt.Errorf("lookup %v as %v: %w", b, t, ErrTypeMismatch)
	}
	return b, nil
}

// At returns buffer by its position in layout.
func (a *Arena) At(i int) *Buffer { return a.buffers[i] }

// Len returns number of buffers.
func (a *Arena) Len() int { return len(a.buffers) }

// BlockSize the arena was laid out for.
func (a *Arena) BlockSize() int { return a.layout.BlockSize }

// Layout of the arena.
func (a *Arena) Layout() Layout { return a.layout }

// Names returns buffer names in layout order.
func (a *Arena) Names() []string {
	names := make([]string, len(a.buffers))
	for i, b := range a.buffers {
		names[i] = b.name
	}
	return names
}

// Clear sets all buffers to silence.
func (a *Arena) Clear() {
	for _, b := range a.buffers {
		b.Clear()
	}
}

// Resized returns a new arena with the same declarations laid out for
// provided block size.
func (a *Arena) Resized(blockSize int) (*Arena, error) {
	decls := make([]Decl, len(a.layout.Entries))
	for i, e := range a.layout.Entries {
		decls[i] = e.Decl
	}
	return NewArena(blockSize, decls...)
}

func align(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}
