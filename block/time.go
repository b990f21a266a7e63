package block

import (
	"fmt"
	"math"
)

type (
	// MusicalTime is a position in beats.
	MusicalTime float64

	// MusicalDuration is a length in beats.
	MusicalDuration float64

	// TimeSpan is the musical time covered by a single frame.
	TimeSpan struct {
		Start MusicalTime
		End   MusicalTime
	}
)

// TimeMapper converts between sample positions and musical time.
type TimeMapper interface {
	SampleToMusical(sample int64) MusicalTime
	MusicalToSample(t MusicalTime) int64
}

// ConstantTempo maps time with a fixed tempo.
type ConstantTempo struct {
	SampleRate int
	BPM        float64
}

// SampleToMusical returns beat position of sample.
func (c ConstantTempo) SampleToMusical(sample int64) MusicalTime {
	return MusicalTime(float64(sample) * c.BPM / (60 * float64(c.SampleRate)))
}

// MusicalToSample returns the first sample at or after t.
func (c ConstantTempo) MusicalToSample(t MusicalTime) int64 {
	return int64(math.Ceil(float64(t)*60*float64(c.SampleRate)/c.BPM - roundingSlack))
}

// roundingSlack absorbs float error of sample-musical-sample round trips.
const roundingSlack = 1e-6

func (c ConstantTempo) String() string {
	return fmt.Sprintf("%.2f bpm @ %d Hz", c.BPM, c.SampleRate)
}

// Contains reports whether t lies within the span.
func (s TimeSpan) Contains(t MusicalTime) bool {
	return s.Start <= t && t < s.End
}
