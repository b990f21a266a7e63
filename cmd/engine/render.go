package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/render"
)

// backendFactory creates backend writing to path.
type backendFactory func(path string, bitDepth render.BitDepth) (render.Backend, error)

// backends are file formats by name. Optional backends register
// themselves with build tags.
var backends = map[string]backendFactory{
	"wav": func(path string, bd render.BitDepth) (render.Backend, error) {
		return render.NewWavSink(path, bd)
	},
	"aiff": func(path string, bd render.BitDepth) (render.Backend, error) {
		return render.NewAiffSink(path, bd)
	},
}

// playback is the sound device backend, nil without portaudio build tag.
var playback func(frames int) render.Backend

type renderOptions struct {
	*rootOptions
	out      string
	format   string
	bitDepth int
	duration time.Duration
	metrics  string
}

func newRenderCommand(root *rootOptions) *cobra.Command {
	opts := &renderOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render graph into audio file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := opts.backend()
			if err != nil {
				return err
			}
			return opts.run(cmd.Context(), b)
		},
	}
	cmd.Flags().StringVarP(&opts.out, "out", "o", "out.wav", "output file")
	cmd.Flags().StringVar(&opts.format, "format", "", "output format, derived from file extension by default")
	cmd.Flags().IntVar(&opts.bitDepth, "bit-depth", 16, "bit depth of integer samples")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "rendered duration")
	return cmd
}

func newPlayCommand(root *rootOptions) *cobra.Command {
	opts := &renderOptions{rootOptions: root}
	var frames int
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play graph with the default sound device until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if playback == nil {
				return fmt.Errorf("built without portaudio support")
			}
			return opts.run(cmd.Context(), playback(frames))
		},
	}
	cmd.Flags().IntVar(&frames, "device-buffer", 1024, "frames of device buffer")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "played duration, zero plays until interrupted")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "address of prometheus metrics endpoint")
	return cmd
}

func (o *renderOptions) backend() (render.Backend, error) {
	format := o.format
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(o.out), ".")
	}
	create, ok := backends[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return create(o.out, render.BitDepth(o.bitDepth))
}

func (o *renderOptions) run(ctx context.Context, b render.Backend) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close(context.Background()))
	}()

	if o.metrics != "" {
		srv := &http.Server{
			Addr:              o.metrics,
			Handler:           promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	watched := make(chan error, 1)
	go func() {
		watched <- s.watcher.Run(watchCtx)
	}()
	defer func() {
		cancelWatch()
		err = multierr.Append(err, <-watched)
	}()

	frames := int64(o.duration.Seconds() * float64(cfg.Host.SampleRate))
	d := render.NewDriver(s.realm, b,
		render.WithLogger(logger),
		render.WithTempo(block.ConstantTempo{SampleRate: cfg.Host.SampleRate, BPM: cfg.Host.Tempo}),
		render.WithNotifications(func(n block.Notification) {
			if n.Type == block.Failure || n.Type == block.StateChanged {
				logger.WithField("source", n.Source).Warn(n.String())
			}
		}),
	)
	logger.WithField("frames", frames).Info("rendering")
	return d.Run(ctx, frames)
}
