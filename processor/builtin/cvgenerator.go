package builtin

import (
	"fmt"
	"sort"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/processor"
)

type (
	// ControlPoint is a value of control curve at musical time.
	ControlPoint struct {
		ID    string
		Time  block.MusicalTime
		Value float32
	}

	// AddControlPoint message adds point to the curve. Point with the same
	// id is replaced.
	AddControlPoint ControlPoint

	// RemoveControlPoint message removes point from the curve.
	RemoveControlPoint struct {
		ID string
	}
)

// CVGenerator outputs control curve defined by control points. The value
// is linearly interpolated between points and held constant before the
// first and after the last point.
type CVGenerator struct {
	lifecycle
	ports  ports
	points []ControlPoint
}

// ConnectPort implements processor.Kernel.
func (g *CVGenerator) ConnectPort(_ *block.Context, idx int, buf *buffer.Buffer) error {
	return g.ports.connect(idx, buf, 1)
}

// HandleMessage implements processor.MessageHandler.
func (g *CVGenerator) HandleMessage(msg processor.Message) error {
	switch m := msg.(type) {
	case AddControlPoint:
		g.remove(m.ID)
		p := ControlPoint(m)
		i := sort.Search(len(g.points), func(i int) bool { return g.points[i].Time > p.Time })
		g.points = append(g.points, ControlPoint{})
		copy(g.points[i+1:], g.points[i:])
		g.points[i] = p
	case RemoveControlPoint:
		g.remove(m.ID)
	default:
		return fmt.Errorf("cv generator %T: %w", msg, processor.ErrUnsupportedMessage)
	}
	return nil
}

func (g *CVGenerator) remove(id string) {
	for i, p := range g.points {
		if p.ID == id {
			g.points = append(g.points[:i], g.points[i+1:]...)
			return
		}
	}
}

// Points returns copy of the curve.
func (g *CVGenerator) Points() []ControlPoint {
	return append([]ControlPoint(nil), g.points...)
}

// Process implements processor.Kernel.
func (g *CVGenerator) Process(bctx *block.Context, _ block.TimeMapper) error {
	if !g.ports.connected() {
		return nil
	}
	out := g.ports[0].Floats()
	if len(g.points) == 0 {
		for i := range out {
			out[i] = 0
		}
		return nil
	}
	first, last := g.points[0], g.points[len(g.points)-1]
	seg := 0
	for i := range out {
		t := bctx.Time[i].Start
		switch {
		case t <= first.Time:
			out[i] = first.Value
		case t >= last.Time:
			out[i] = last.Value
		default:
			for g.points[seg+1].Time <= t {
				seg++
			}
			a, b := g.points[seg], g.points[seg+1]
			k := float64(t-a.Time) / float64(b.Time-a.Time)
			out[i] = a.Value + float32(k)*(b.Value-a.Value)
		}
	}
	return nil
}
