package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine/log"
	"pipelined.dev/engine/metric"
)

// ControllerOption configures controllers.
type ControllerOption func(*controllerOptions)

type controllerOptions struct {
	logger  logrus.FieldLogger
	metrics *metric.Metrics
}

// WithControllerLogger sets controller logger.
func WithControllerLogger(l logrus.FieldLogger) ControllerOption {
	return func(o *controllerOptions) {
		o.logger = l
	}
}

// WithControllerMetrics enables metrics of hosts.
func WithControllerMetrics(m *metric.Metrics) ControllerOption {
	return func(o *controllerOptions) {
		o.metrics = m
	}
}

func newControllerOptions(options []ControllerOption) controllerOptions {
	o := controllerOptions{logger: log.Discard()}
	for _, option := range options {
		option(&o)
	}
	return o
}

// LocalController runs hosts in goroutines of the engine process. Plugin
// failures are contained the same way as for remote hosts, but a crash
// takes the engine down.
type LocalController struct {
	controllerOptions
	loader Loader

	mu    sync.Mutex
	hosts map[string]*localHost
}

type localHost struct {
	*Host
	cancel context.CancelFunc
	errc   <-chan error
}

// NewLocalController returns controller that creates plugins with loader.
func NewLocalController(loader Loader, options ...ControllerOption) *LocalController {
	return &LocalController{
		controllerOptions: newControllerOptions(options),
		loader:            loader,
		hosts:             make(map[string]*localHost),
	}
}

// CreatePlugin implements Controller.
func (c *LocalController) CreatePlugin(ctx context.Context, spec Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hosts[spec.ID]; ok {
		return fmt.Errorf("%s: %w", spec.ID, ErrExists)
	}
	p, err := c.loader(spec.Node)
	if err != nil {
		return err
	}
	h := NewHost(spec.ID, spec.Node, p, WithHostLogger(c.logger), WithHostMetrics(c.metrics))
	runCtx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := h.Run(runCtx, spec.Pipe); err != nil {
			errc <- err
		}
	}()
	c.hosts[spec.ID] = &localHost{Host: h, cancel: cancel, errc: errc}
	return nil
}

// DeletePlugin implements Controller. It stops the host and waits for it
// until ctx is done. Host that is stuck in the plugin is abandoned: it's
// closed whenever the plugin returns.
func (c *LocalController) DeletePlugin(ctx context.Context, id string) error {
	c.mu.Lock()
	h, ok := c.hosts[id]
	delete(c.hosts, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	h.cancel()
	var err error
	select {
	case err = <-h.errc:
	case <-ctx.Done():
		c.logger.WithField("plugin", id).Warn("host abandoned")
		go func() {
			<-h.errc
			if err := h.Close(); err != nil {
				c.logger.WithError(err).WithField("plugin", id).Warn("abandoned host not closed")
			}
		}()
		return fmt.Errorf("host %s abandoned: %w", id, ctx.Err())
	}
	if err != nil {
		c.logger.WithError(err).WithField("plugin", id).Warn("host failed")
	}
	return h.Close()
}

// GetState implements Controller.
func (c *LocalController) GetState(ctx context.Context, id string) ([]byte, error) {
	h, err := c.host(id)
	if err != nil {
		return nil, err
	}
	type result struct {
		state []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		s, err := h.State()
		done <- result{state: s, err: err}
	}()
	select {
	case r := <-done:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetState implements Controller.
func (c *LocalController) SetState(ctx context.Context, id string, state []byte) error {
	h, err := c.host(id)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- h.SetState(state)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Host returns running host.
func (c *LocalController) Host(id string) (*Host, error) {
	h, err := c.host(id)
	if err != nil {
		return nil, err
	}
	return h.Host, nil
}

func (c *LocalController) host(id string) (*localHost, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return h, nil
}

// ProcessController runs every host in a separate process, started as
// "<binary> pluginhost --spec <json>". The process exits when the engine
// closes the pipe.
type ProcessController struct {
	controllerOptions
	binary string

	mu    sync.Mutex
	hosts map[string]*processHost
}

type processHost struct {
	cmd  *exec.Cmd
	errc <-chan error
}

// NewProcessController returns controller that runs hosts with binary.
func NewProcessController(binary string, options ...ControllerOption) *ProcessController {
	return &ProcessController{
		controllerOptions: newControllerOptions(options),
		binary:            binary,
		hosts:             make(map[string]*processHost),
	}
}

// CreatePlugin implements Controller.
func (c *ProcessController) CreatePlugin(ctx context.Context, spec Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hosts[spec.ID]; ok {
		return fmt.Errorf("%s: %w", spec.ID, ErrExists)
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	cmd := exec.Command(c.binary, "pluginhost", "--spec", string(payload))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start host %s: %w", spec.ID, err)
	}
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := cmd.Wait(); err != nil {
			errc <- err
		}
	}()
	c.hosts[spec.ID] = &processHost{cmd: cmd, errc: errc}
	c.logger.WithFields(logrus.Fields{"plugin": spec.ID, "pid": cmd.Process.Pid}).Debug("host started")
	return nil
}

// DeletePlugin implements Controller. Host is killed if it doesn't exit
// before ctx is done.
func (c *ProcessController) DeletePlugin(ctx context.Context, id string) error {
	c.mu.Lock()
	h, ok := c.hosts[id]
	delete(c.hosts, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	select {
	case err := <-h.errc:
		return err
	case <-ctx.Done():
		c.logger.WithFields(logrus.Fields{"plugin": id, "pid": h.cmd.Process.Pid}).Warn("host killed")
		if err := h.cmd.Process.Kill(); err != nil {
			return multierr.Append(fmt.Errorf("host %s not killed: %w", id, ctx.Err()), err)
		}
		<-h.errc
		return fmt.Errorf("host %s killed: %w", id, ctx.Err())
	}
}

// GetState isn't supported by process hosts.
func (c *ProcessController) GetState(_ context.Context, id string) ([]byte, error) {
	return nil, fmt.Errorf("%s: %w", id, ErrStateUnsupported)
}

// SetState isn't supported by process hosts.
func (c *ProcessController) SetState(_ context.Context, id string, _ []byte) error {
	return fmt.Errorf("%s: %w", id, ErrStateUnsupported)
}
