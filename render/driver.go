package render

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/log"
)

// ErrRunning is returned when driver is started twice.
var ErrRunning = errors.New("driver is running")

// Driver runs the realm block by block on a locked OS thread and writes
// its sink into backend.
type Driver struct {
	realm   *engine.Realm
	backend Backend
	tm      block.TimeMapper
	logger  logrus.FieldLogger
	notify  func(block.Notification)

	resize  chan resizeRequest
	running chan struct{}
}

// resizeRequest pauses the audio thread: it's parked between blocks until
// resumed, so the realm is resized on the caller's goroutine.
type resizeRequest struct {
	paused  chan struct{}
	resumed chan struct{}
}

// DriverOption configures driver.
type DriverOption func(*Driver)

// WithTempo sets time mapper of blocks.
func WithTempo(tm block.TimeMapper) DriverOption {
	return func(d *Driver) {
		d.tm = tm
	}
}

// WithLogger sets driver logger.
func WithLogger(l logrus.FieldLogger) DriverOption {
	return func(d *Driver) {
		d.logger = l
	}
}

// WithNotifications sets handler of block notifications. It's called on
// the audio thread and must not block.
func WithNotifications(fn func(block.Notification)) DriverOption {
	return func(d *Driver) {
		d.notify = fn
	}
}

// NewDriver returns driver of the realm.
func NewDriver(r *engine.Realm, b Backend, options ...DriverOption) *Driver {
	d := &Driver{
		realm:   r,
		backend: b,
		tm:      block.ConstantTempo{SampleRate: r.SampleRate(), BPM: engine.DefaultTempo},
		logger:  log.Discard(),
		resize:  make(chan resizeRequest),
		running: make(chan struct{}, 1),
	}
	for _, option := range options {
		option(d)
	}
	d.logger = d.logger.WithField("realm", r.ID())
	return d
}

// Run processes blocks until frames are rendered or ctx is done. Frames
// below one mean endless run. The last block is trimmed to the frames
// left.
func (d *Driver) Run(ctx context.Context, frames int64) (err error) {
	select {
	case d.running <- struct{}{}:
		defer func() { <-d.running }()
	default:
		return ErrRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := d.backend.Open(d.realm.SampleRate()); err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		err = multierr.Append(err, d.backend.Close())
	}()

	bctx := block.NewContext(d.realm.SampleRate(), d.realm.BlockSize())
	var pos int64
	d.logger.WithField("block_size", bctx.BlockSize).Debug("driver started")
	for frames <= 0 || pos < frames {
		select {
		case <-ctx.Done():
			d.logger.WithField("position", pos).Debug("driver stopped")
			return nil
		case req := <-d.resize:
			close(req.paused)
			<-req.resumed
			if bs := d.realm.BlockSize(); bs != bctx.BlockSize {
				bctx.Resize(bs)
				d.logger.WithField("block_size", bs).Debug("block size changed")
			}
			continue
		default:
		}
		bctx.Begin(pos, d.tm)
		l, r, err := d.realm.Render(bctx)
		if err != nil {
			return err
		}
		if d.notify != nil {
			for _, n := range bctx.Out {
				d.notify(n)
			}
		}
		left, right := l.Floats(), r.Floats()
		if frames > 0 && frames-pos < int64(len(left)) {
			left, right = left[:frames-pos], right[:frames-pos]
		}
		if err := d.backend.Write(left, right); err != nil {
			return fmt.Errorf("write block at %d: %w", pos, err)
		}
		pos += int64(bctx.BlockSize)
	}
	d.logger.WithField("position", pos).Debug("driver done")
	return nil
}

// SetBlockSize changes block size between blocks of running driver. The
// audio thread is paused while realm and its processors are resized on
// the caller's goroutine. Realm is resized directly if driver isn't
// running.
func (d *Driver) SetBlockSize(ctx context.Context, blockSize int) error {
	select {
	case d.running <- struct{}{}:
		defer func() { <-d.running }()
		return d.realm.SetBlockSize(ctx, blockSize)
	default:
	}
	req := resizeRequest{paused: make(chan struct{}), resumed: make(chan struct{})}
	select {
	case d.resize <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer close(req.resumed)
	<-req.paused
	return d.realm.SetBlockSize(ctx, blockSize)
}
