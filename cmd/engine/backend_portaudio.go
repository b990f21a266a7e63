//go:build portaudio

package main

import (
	"pipelined.dev/engine/render"
	"pipelined.dev/engine/render/portaudio"
)

func init() {
	playback = func(frames int) render.Backend {
		return portaudio.NewSink(frames)
	}
}
