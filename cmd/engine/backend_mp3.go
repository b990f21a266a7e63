//go:build mp3

package main

import (
	"pipelined.dev/engine/render"
	"pipelined.dev/engine/render/mp3"
)

const (
	mp3BitRate = 320
	mp3Quality = 2
)

func init() {
	backends["mp3"] = func(path string, _ render.BitDepth) (render.Backend, error) {
		return mp3.NewSink(path, mp3BitRate, mp3Quality), nil
	}
}
