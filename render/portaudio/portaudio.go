//go:build portaudio

// Package portaudio plays realm output with the default sound device.
package portaudio

import (
	"github.com/gordonklaus/portaudio"
	"go.uber.org/multierr"
)

// Sink writes output to the default device stream. Blocks of any size are
// accumulated into device buffers of fixed size.
type Sink struct {
	frames int
	buf    []float32
	n      int
	stream *portaudio.Stream
}

// NewSink returns sink with device buffer of provided frames.
func NewSink(frames int) *Sink {
	return &Sink{frames: frames}
}

// Open initializes portaudio and starts the default stream.
func (s *Sink) Open(sampleRate int) error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	s.buf = make([]float32, s.frames*2)
	s.n = 0
	stream, err := portaudio.OpenDefaultStream(0, 2, float64(sampleRate), s.frames, &s.buf)
	if err != nil {
		return multierr.Append(err, portaudio.Terminate())
	}
	if err := stream.Start(); err != nil {
		return multierr.Combine(err, stream.Close(), portaudio.Terminate())
	}
	s.stream = stream
	return nil
}

// Write interleaves channels into the device buffer.
func (s *Sink) Write(left, right []float32) error {
	for i := range left {
		s.buf[s.n*2] = left[i]
		s.buf[s.n*2+1] = right[i]
		s.n++
		if s.n == s.frames {
			if err := s.stream.Write(); err != nil {
				return err
			}
			s.n = 0
		}
	}
	return nil
}

// Close stops the stream and terminates portaudio.
func (s *Sink) Close() error {
	if s.stream == nil {
		return nil
	}
	err := multierr.Combine(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
	s.stream = nil
	return err
}
