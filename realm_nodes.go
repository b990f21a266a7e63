package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

// AddNode sets node up, attaches it to the graph and installs new program.
// Node becomes visible to the audio thread only when it's fully set up.
func (r *Realm) AddNode(ctx context.Context, n *Node) error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.addNodes(ctx, n)
}

// AddNodes sets nodes up concurrently and installs a single program with
// all of them.
func (r *Realm) AddNodes(ctx context.Context, nodes ...*Node) error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.addNodes(ctx, nodes...)
}

func (r *Realm) addNodes(ctx context.Context, nodes ...*Node) error {
	if err := r.expect(ready); err != nil {
		return err
	}
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := r.graph.Node(n.id); ok {
			return fmt.Errorf("%s: %w", n.id, ErrDuplicateNode)
		}
		if _, ok := ids[n.id]; ok || n.graph != nil {
			return fmt.Errorf("%s: %w", n.id, ErrDuplicateNode)
		}
		ids[n.id] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			return r.setupNode(gctx, n)
		})
	}
	if err := g.Wait(); err != nil {
		for _, n := range nodes {
			err = multierr.Append(err, r.cleanupNode(ctx, n))
		}
		return err
	}

	for _, n := range nodes {
		if err := r.graph.AddNode(n); err != nil {
			return err
		}
	}
	if err := r.updateSpec(); err != nil {
		for _, n := range nodes {
			err = multierr.Append(err, r.graph.RemoveNode(n))
			err = multierr.Append(err, r.cleanupNode(ctx, n))
		}
		return err
	}
	return nil
}

// setupNode allocates resources of the node and registers them. It's safe
// to call concurrently for different nodes.
func (r *Realm) setupNode(ctx context.Context, n *Node) error {
	var (
		k   processor.Kernel
		err error
	)
	switch n.desc.Type {
	case nodedesc.Processor:
		if k, err = r.kernels.Kernel(n.desc); err != nil {
			return fmt.Errorf("%s: %w: %w", n.id, ErrUnknownNodeType, err)
		}
	case nodedesc.Plugin:
		if r.plugins == nil {
			return fmt.Errorf("%s: plugins are disabled: %w", n.id, ErrUnknownNodeType)
		}
		if k, err = r.plugins(n.id, n.desc); err != nil {
			return fmt.Errorf("%s: %w", n.id, err)
		}
	case nodedesc.ChildRealm:
		if n.child == nil {
			return fmt.Errorf("%s: child realm: %w", n.id, ErrNotSetUp)
		}
		if err := r.registry.addChild(n.child); err != nil {
			return err
		}
	case nodedesc.RealmSink:
		return fmt.Errorf("%s: realm has sink: %w", n.id, ErrDuplicateNode)
	default:
		return fmt.Errorf("%s: %v: %w", n.id, n.desc.Type, ErrUnknownNodeType)
	}

	if k != nil {
		p := processor.New(n.id, n.desc, k, processor.WithLogger(r.logger))
		if err := p.Setup(ctx); err != nil {
			return err
		}
		if err := p.Resize(ctx, r.sampleRate, r.blockSize); err != nil {
			return multierr.Append(err, p.Cleanup(ctx))
		}
		if err := r.registry.addProcessor(p); err != nil {
			return multierr.Append(err, p.Cleanup(ctx))
		}
		n.processor = p
	}
	for _, cv := range n.controls {
		r.registry.addControl(cv)
	}
	r.logger.WithField("node", n.id).Debug("node set up")
	return nil
}

// cleanupNode releases resources of the node. It's no-op for nodes that
// weren't set up.
func (r *Realm) cleanupNode(ctx context.Context, n *Node) error {
	var err error
	for _, cv := range n.controls {
		if registered, ok := r.registry.ControlValue(cv.Name()); ok && registered == cv {
			r.registry.removeControl(cv.Name())
		}
	}
	if p := n.processor; p != nil {
		r.registry.removeProcessor(p.ID())
		err = multierr.Append(err, p.Cleanup(ctx))
		n.processor = nil
	}
	if c := n.child; c != nil {
		if registered, ok := r.registry.Child(c.ID()); ok && registered == c {
			r.registry.removeChild(c.ID())
			err = multierr.Append(err, c.Cleanup(ctx))
			c.parent.Store(nil)
		}
	}
	r.logger.WithField("node", n.id).Debug("node cleaned up")
	return err
}

// RemoveNode detaches node, installs program without it, waits for the
// block in flight and only then releases node resources.
func (r *Realm) RemoveNode(ctx context.Context, id string) error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.removeNode(ctx, id)
}

func (r *Realm) removeNode(ctx context.Context, id string) error {
	if err := r.expect(ready); err != nil {
		return err
	}
	n, ok := r.graph.Node(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	if n == r.sink {
		return fmt.Errorf("remove sink: %w", ErrInvalidState)
	}
	if err := r.graph.RemoveNode(n); err != nil {
		return err
	}
	if err := r.updateSpec(); err != nil {
		return err
	}
	if err := r.Sync(ctx); err != nil {
		return err
	}
	return r.cleanupNode(ctx, n)
}

// AddChildRealm attaches set up realm as a child. Child is represented in
// the graph by a node with the child's id and left/right outputs.
func (r *Realm) AddChildRealm(ctx context.Context, child *Realm) (*Node, error) {
	if child == r {
		return nil, fmt.Errorf("%s as own child: %w", r.id, ErrCycle)
	}
	if err := child.expect(ready); err != nil {
		return nil, fmt.Errorf("child %s: %w", child.id, err)
	}
	if !child.parent.CompareAndSwap(nil, r) {
		return nil, fmt.Errorf("child %s has parent: %w", child.id, ErrDuplicateNode)
	}
	n, err := NewNode(child.id, nodedesc.ChildRealmNode())
	if err != nil {
		child.parent.Store(nil)
		return nil, err
	}
	n.child = child

	r.control.Lock()
	defer r.control.Unlock()
	if child.BlockSize() != r.blockSize {
		if err := child.SetBlockSize(ctx, r.blockSize); err != nil {
			child.parent.Store(nil)
			return nil, err
		}
	}
	if err := r.addNodes(ctx, n); err != nil {
		child.parent.Store(nil)
		return nil, err
	}
	return n, nil
}

// RemoveChildRealm detaches child realm and tears it down.
func (r *Realm) RemoveChildRealm(ctx context.Context, id string) error {
	r.control.Lock()
	defer r.control.Unlock()
	n, ok := r.graph.Node(id)
	if !ok || n.desc.Type != nodedesc.ChildRealm {
		return fmt.Errorf("child realm %s: %w", id, ErrNodeNotFound)
	}
	return r.removeNode(ctx, id)
}

// Connect connects output up to input down and installs new program.
func (r *Realm) Connect(up, down *Port) error {
	r.control.Lock()
	defer r.control.Unlock()
	if err := down.Connect(up); err != nil {
		return err
	}
	return r.updateSpec()
}

// Disconnect removes connection and installs new program.
func (r *Realm) Disconnect(up, down *Port) error {
	r.control.Lock()
	defer r.control.Unlock()
	if err := down.Disconnect(up); err != nil {
		return err
	}
	return r.updateSpec()
}

// SendMessage queues message to processor of the node.
func (r *Realm) SendMessage(id string, msg processor.Message) error {
	p, ok := r.registry.Processor(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	return p.HandleMessage(msg)
}

// SetParameters queues parameters to processor of the node.
func (r *Realm) SetParameters(id string, params processor.Parameters) error {
	p, ok := r.registry.Processor(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	return p.SetParameters(params)
}
