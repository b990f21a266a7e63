// Package block contains per-block execution state shared by the realm and
// processors.
package block

import (
	"fmt"

	"pipelined.dev/engine/buffer"
)

// NotificationType identifies the kind of outbound notification.
type NotificationType int

const (
	// Level carries RMS value of a buffer.
	Level NotificationType = iota
	// StateChanged carries new processor state.
	StateChanged
	// Failure carries an error contained during block processing.
	Failure
)

func (t NotificationType) String() string {
	switch t {
	case Level:
		return "level"
	case StateChanged:
		return "state changed"
	case Failure:
		return "failure"
	}
	return "unknown"
}

// Notification is a message from real-time path to the control layer.
type Notification struct {
	Type   NotificationType
	Source string
	Value  float32
	State  string
	Err    error
}

func (n Notification) String() string {
	switch n.Type {
	case Level:
		return fmt.Sprintf("%v %s: %.4f", n.Type, n.Source, n.Value)
	case StateChanged:
		return fmt.Sprintf("%v %s: %s", n.Type, n.Source, n.State)
	}
	return fmt.Sprintf("%v %s: %v", n.Type, n.Source, n.Err)
}

// Context is per-block state. It's reused for consequent blocks and
// refilled by Begin.
type Context struct {
	SampleRate int
	BlockSize  int
	// SamplePos is absolute position of the first frame of the block.
	SamplePos int64
	// Time maps every frame of the block to musical time.
	Time []TimeSpan
	// Input contains inbound events for the block.
	Input *buffer.Buffer
	// Out collects notifications produced during the block.
	Out []Notification
}

// defaultNotifications is initial capacity of outbound list.
const defaultNotifications = 64

// NewContext returns context for provided host parameters.
func NewContext(sampleRate, blockSize int) *Context {
	c := &Context{
		SampleRate: sampleRate,
		Out:        make([]Notification, 0, defaultNotifications),
		Input:      buffer.New("input", buffer.Atom{}, blockSize),
	}
	c.Resize(blockSize)
	return c
}

// Resize reconfigures context to a new block size.
func (c *Context) Resize(blockSize int) {
	c.BlockSize = blockSize
	if cap(c.Time) < blockSize {
		c.Time = make([]TimeSpan, blockSize)
	}
	c.Time = c.Time[:blockSize]
}

// Begin prepares context for the block starting at samplePos.
func (c *Context) Begin(samplePos int64, tm TimeMapper) {
	c.SamplePos = samplePos
	c.Out = c.Out[:0]
	c.Input.Clear()
	for i := range c.Time {
		pos := samplePos + int64(i)
		c.Time[i] = TimeSpan{
			Start: tm.SampleToMusical(pos),
			End:   tm.SampleToMusical(pos + 1),
		}
	}
}

// Notify appends notification to outbound list.
func (c *Context) Notify(n Notification) {
	c.Out = append(c.Out, n)
}
