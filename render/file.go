package render

import (
	"fmt"
	"os"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmFormat is the wav format tag of integer PCM.
const pcmFormat = 1

// encoder is common part of wav and aiff encoders.
type encoder interface {
	Write(*audio.IntBuffer) error
	Close() error
}

// fileSink writes interleaved integer samples with encoder.
type fileSink struct {
	path     string
	bitDepth BitDepth
	create   func(f *os.File, sampleRate int) encoder

	file    *os.File
	encoder encoder
	buf     *audio.IntBuffer
}

func (s *fileSink) Open(sampleRate int) error {
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.file = f
	s.encoder = s.create(f, sampleRate)
	s.buf = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 2,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: int(s.bitDepth),
	}
	return nil
}

func (s *fileSink) Write(left, right []float32) error {
	if s.encoder == nil {
		return fmt.Errorf("%s: %w", s.path, ErrNotOpened)
	}
	s.buf.Data = Interleave(s.buf.Data, left, right, s.bitDepth)
	return s.encoder.Write(s.buf)
}

func (s *fileSink) Close() error {
	if s.encoder == nil {
		return nil
	}
	err := s.encoder.Close()
	s.encoder = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// WavSink saves output to wav file.
type WavSink struct {
	fileSink
}

// NewWavSink creates new wav sink.
func NewWavSink(path string, bitDepth BitDepth) (*WavSink, error) {
	if err := bitDepth.validate(); err != nil {
		return nil, err
	}
	return &WavSink{
		fileSink: fileSink{
			path:     path,
			bitDepth: bitDepth,
			create: func(f *os.File, sampleRate int) encoder {
				return wav.NewEncoder(f, sampleRate, int(bitDepth), 2, pcmFormat)
			},
		},
	}, nil
}

// AiffSink saves output to aiff file.
type AiffSink struct {
	fileSink
}

// NewAiffSink creates new aiff sink.
func NewAiffSink(path string, bitDepth BitDepth) (*AiffSink, error) {
	if err := bitDepth.validate(); err != nil {
		return nil, err
	}
	return &AiffSink{
		fileSink: fileSink{
			path:     path,
			bitDepth: bitDepth,
			create: func(f *os.File, sampleRate int) encoder {
				return aiff.NewEncoder(f, sampleRate, int(bitDepth), 2)
			},
		},
	}, nil
}
