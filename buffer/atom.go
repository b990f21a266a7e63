package buffer

import "encoding/binary"

// Event is a single timed entry of atom sequence. Data references buffer
// memory and is valid until the buffer is cleared.
type Event struct {
	Frame uint32
	Data  []byte
}

// AtomSequence is a view on atom buffer memory.
//
// Layout: event count and used bytes as little-endian uint32, followed by
// events encoded as frame, data length and data.
type AtomSequence struct {
	b []byte
}

// Len returns number of events.
func (s AtomSequence) Len() int {
	if len(s.b) < atomHeader {
		return 0
	}
	return int(binary.LittleEndian.Uint32(s.b[0:4]))
}

func (s AtomSequence) used() int {
	return int(binary.LittleEndian.Uint32(s.b[4:8]))
}

// Append adds event to the end of sequence. Events are expected to be
// appended in frame order.
func (s AtomSequence) Append(frame uint32, data []byte) error {
	used := s.used()
	end := atomHeader + used + eventHead + len(data)
	if end > len(s.b) {
		return ErrAtomOverflow
	}
	pos := atomHeader + used
	binary.LittleEndian.PutUint32(s.b[pos:], frame)
	binary.LittleEndian.PutUint32(s.b[pos+4:], uint32(len(data)))
	copy(s.b[pos+eventHead:], data)
	binary.LittleEndian.PutUint32(s.b[0:4], uint32(s.Len()+1))
	binary.LittleEndian.PutUint32(s.b[4:8], uint32(end-atomHeader))
	return nil
}

// Events calls fn for every event until it returns false.
func (s AtomSequence) Events(fn func(Event) bool) {
	it := s.iter()
	for e, ok := it.next(); ok; e, ok = it.next() {
		if !fn(e) {
			return
		}
	}
}

type atomIter struct {
	s    AtomSequence
	pos  int
	left int
}

func (s AtomSequence) iter() atomIter {
	return atomIter{s: s, pos: atomHeader, left: s.Len()}
}

func (it *atomIter) next() (Event, bool) {
	if it.left == 0 {
		return Event{}, false
	}
	b := it.s.b
	frame := binary.LittleEndian.Uint32(b[it.pos:])
	size := int(binary.LittleEndian.Uint32(b[it.pos+4:]))
	start := it.pos + eventHead
	e := Event{Frame: frame, Data: b[start : start+size]}
	it.pos = start + size
	it.left--
	return e, true
}
