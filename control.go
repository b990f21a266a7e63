package engine

import (
	"math"
	"sync/atomic"
)

// ControlValue is a value set by the control plane and fetched by the audio
// thread into unconnected control inputs.
type ControlValue struct {
	name       string
	bits       atomic.Uint32
	generation atomic.Uint32
}

// NewControlValue returns control value with initial value.
func NewControlValue(name string, v float32) *ControlValue {
	cv := &ControlValue{name: name}
	cv.bits.Store(math.Float32bits(v))
	return cv
}

// Name of the control value.
func (cv *ControlValue) Name() string { return cv.name }

// Value returns current value.
func (cv *ControlValue) Value() float32 {
	return math.Float32frombits(cv.bits.Load())
}

// Generation is incremented on every change.
func (cv *ControlValue) Generation() uint32 {
	return cv.generation.Load()
}

// Set updates value. Change is visible starting from the next block.
func (cv *ControlValue) Set(v float32) {
	cv.bits.Store(math.Float32bits(v))
	cv.generation.Add(1)
}
