// Package render drives realms on the audio thread and delivers their
// output to audio backends: files and sound devices.
package render

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
	ErrUnsupportedBitDepth = errors.New("only 16, 24 and 32 bit depth is supported")
	// ErrNotOpened is returned when backend is used before Open.
	ErrNotOpened = errors.New("backend isn't opened")
)

// Backend consumes stereo output of the realm.
type Backend interface {
	// Open is called before the first block.
	Open(sampleRate int) error
	// Write receives channels of equal length. Length may change between
	// calls.
	Write(left, right []float32) error
	// Close flushes and releases the backend.
	Close() error
}

// BitDepth of integer samples.
type BitDepth int

// Supported bit depths.
const (
	BitDepth16 BitDepth = 16
	BitDepth24 BitDepth = 24
	BitDepth32 BitDepth = 32
)

func (b BitDepth) validate() error {
	switch b {
	case BitDepth16, BitDepth24, BitDepth32:
		return nil
	}
	return fmt.Errorf("%d: %w", b, ErrUnsupportedBitDepth)
}

// max returns maximum value of sample with this bit depth.
func (b BitDepth) max() float64 {
	return float64(int64(1)<<(b-1) - 1)
}

// Interleave converts channels into interleaved integer samples. Samples
// out of [-1, 1] range are clipped.
func Interleave(dst []int, left, right []float32, bd BitDepth) []int {
	dst = dst[:0]
	m := bd.max()
	for i := range left {
		dst = append(dst, toInt(left[i], m), toInt(right[i], m))
	}
	return dst
}

// Deinterleave converts interleaved stereo integer samples into channels.
func Deinterleave(src []int, bd BitDepth) (left, right []float32) {
	m := bd.max()
	n := len(src) / 2
	left, right = make([]float32, n), make([]float32, n)
	for i := 0; i < n; i++ {
		left[i] = float32(float64(src[2*i]) / m)
		right[i] = float32(float64(src[2*i+1]) / m)
	}
	return left, right
}

func toInt(v float32, m float64) int {
	f := float64(v)
	switch {
	case f > 1:
		f = 1
	case f < -1:
		f = -1
	}
	return int(math.Round(f * m))
}

// Memory keeps rendered output.
type Memory struct {
	mu         sync.Mutex
	sampleRate int
	left       []float32
	right      []float32
	writes     int
	closed     bool
}

// Open implements Backend.
func (m *Memory) Open(sampleRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleRate = sampleRate
	m.closed = false
	return nil
}

// Write implements Backend.
func (m *Memory) Write(left, right []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left = append(m.left, left...)
	m.right = append(m.right, right...)
	m.writes++
	return nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Channels returns copies of rendered channels.
func (m *Memory) Channels() (left, right []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.left...), append([]float32(nil), m.right...)
}

// Writes returns number of Write calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Closed reports whether backend is closed.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SampleRate passed to Open.
func (m *Memory) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleRate
}
