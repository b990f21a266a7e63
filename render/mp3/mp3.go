//go:build mp3

// Package mp3 encodes realm output with lame.
package mp3

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/viert/lame"

	"pipelined.dev/engine/render"
)

// Sink saves output to mp3 file.
type Sink struct {
	path    string
	bitRate int
	quality int
	f       *os.File
	wr      *lame.LameWriter
	ints    []int
	buf     bytes.Buffer
}

// NewSink creates new Sink.
func NewSink(path string, bitRate int, quality int) *Sink {
	return &Sink{
		path:    path,
		bitRate: bitRate,
		quality: quality,
	}
}

// Open creates the file and initializes encoder.
func (s *Sink) Open(sampleRate int) error {
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.f = f
	s.wr = lame.NewWriter(f)
	s.wr.Encoder.SetBitrate(s.bitRate)
	s.wr.Encoder.SetQuality(s.quality)
	s.wr.Encoder.SetNumChannels(2)
	s.wr.Encoder.SetInSamplerate(sampleRate)
	s.wr.Encoder.SetMode(lame.JOINT_STEREO)
	s.wr.Encoder.SetVBR(lame.VBR_RH)
	s.wr.Encoder.InitParams()
	return nil
}

// Write encodes 16 bit interleaved samples.
func (s *Sink) Write(left, right []float32) error {
	if s.wr == nil {
		return fmt.Errorf("%s: %w", s.path, render.ErrNotOpened)
	}
	s.ints = render.Interleave(s.ints, left, right, render.BitDepth16)
	s.buf.Reset()
	for _, v := range s.ints {
		if err := binary.Write(&s.buf, binary.LittleEndian, int16(v)); err != nil {
			return err
		}
	}
	_, err := s.wr.Write(s.buf.Bytes())
	return err
}

// Close flushes encoder and closes the file.
func (s *Sink) Close() error {
	if s.wr == nil {
		return nil
	}
	err := s.wr.Close()
	s.wr = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
