package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine/log"
	"pipelined.dev/engine/pluginstate"
)

// DefaultStateInterval is the default interval of state polling.
const DefaultStateInterval = time.Second

// StateWatcher restores plugin state from the store and persists it back
// when it changes.
type StateWatcher struct {
	ctrl     Controller
	store    pluginstate.Store
	interval time.Duration
	logger   logrus.FieldLogger

	mu      sync.Mutex
	watched map[string][]byte
}

// StateWatcherOption configures state watcher.
type StateWatcherOption func(*StateWatcher)

// WithStateInterval sets polling interval.
func WithStateInterval(d time.Duration) StateWatcherOption {
	return func(w *StateWatcher) {
		w.interval = d
	}
}

// WithStateLogger sets watcher logger.
func WithStateLogger(l logrus.FieldLogger) StateWatcherOption {
	return func(w *StateWatcher) {
		w.logger = l
	}
}

// NewStateWatcher returns watcher of plugins created by ctrl.
func NewStateWatcher(ctrl Controller, store pluginstate.Store, options ...StateWatcherOption) *StateWatcher {
	w := &StateWatcher{
		ctrl:     ctrl,
		store:    store,
		interval: DefaultStateInterval,
		logger:   log.Discard(),
		watched:  make(map[string][]byte),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Watch restores the last stored state of the plugin and starts to
// persist it. Plugin is watched even if restore failed.
func (w *StateWatcher) Watch(ctx context.Context, id string) error {
	w.mu.Lock()
	w.watched[id] = nil
	w.mu.Unlock()

	state, err := w.store.Get(id)
	if err != nil {
		if errors.Is(err, pluginstate.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load state %s: %w", id, err)
	}
	if err := w.ctrl.SetState(ctx, id, state); err != nil {
		if errors.Is(err, ErrStateUnsupported) {
			return nil
		}
		return fmt.Errorf("restore state %s: %w", id, err)
	}
	w.mu.Lock()
	if _, ok := w.watched[id]; ok {
		w.watched[id] = state
	}
	w.mu.Unlock()
	w.logger.WithField("plugin", id).Debug("state restored")
	return nil
}

// Unwatch stops persisting state of the plugin. Stored state is kept.
func (w *StateWatcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, id)
}

// Watched returns ids of watched plugins in ascending order.
func (w *StateWatcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Poll fetches state of every watched plugin and stores changed ones.
func (w *StateWatcher) Poll(ctx context.Context) error {
	var err error
	for _, id := range w.Watched() {
		state, gerr := w.ctrl.GetState(ctx, id)
		if gerr != nil {
			if errors.Is(gerr, ErrStateUnsupported) || errors.Is(gerr, ErrNotFound) {
				continue
			}
			err = multierr.Append(err, fmt.Errorf("get state %s: %w", id, gerr))
			continue
		}
		w.mu.Lock()
		last, ok := w.watched[id]
		w.mu.Unlock()
		if !ok || (last != nil && bytes.Equal(last, state)) {
			continue
		}
		if perr := w.store.Put(id, state); perr != nil {
			err = multierr.Append(err, fmt.Errorf("put state %s: %w", id, perr))
			continue
		}
		w.mu.Lock()
		if _, ok := w.watched[id]; ok {
			w.watched[id] = state
		}
		w.mu.Unlock()
		w.logger.WithField("plugin", id).Debug("state stored")
	}
	return err
}

// Run polls states until ctx is done.
func (w *StateWatcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.Poll(context.Background())
		case <-t.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.WithError(err).Warn("state poll failed")
			}
		}
	}
}
