package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
	"pipelined.dev/engine/processor/builtin"
)

// SinkID is the id of realm sink node.
const SinkID = "sink"

// Defaults of realm host parameters.
const (
	DefaultSampleRate = 44100
	DefaultBlockSize  = 512
	DefaultTempo      = 120
	DefaultDuration   = block.MusicalDuration(16)
)

// syncInterval is a polling interval of in-flight block.
const syncInterval = 100 * time.Microsecond

// Realm executes compiled program of its graph once per block. Realms can
// be nested: child realm is executed by CALL_CHILD_REALM op of the parent
// and its sink is mixed into parent's buffers.
//
// Mutating methods belong to the control plane and are serialized. Only
// ProcessBlock is called from the audio thread.
type Realm struct {
	id         string
	logger     logrus.FieldLogger
	metrics    *metric.Metrics
	rm         *metric.Realm
	kernels    *processor.Registry
	plugins    PluginFactory
	sampleRate int
	blockSize  int
	tempo      float64
	duration   block.MusicalDuration
	noiseSeed  int64

	lifecycle
	control  sync.Mutex
	graph    *Graph
	registry *Registry
	sink     *Node
	parent   atomic.Pointer[Realm]

	active atomic.Pointer[programState]
	// seq is odd while block is in flight.
	seq atomic.Uint64
	rnd *rand.Rand
}

// programState is an installed program bound to its arena.
type programState struct {
	program *Program
	arena   *buffer.Arena
	buffers []*buffer.Buffer
	sources []string
	tm      block.TimeMapper
	// connected is accessed only by the audio thread.
	connected bool
}

// New returns uninitialized realm.
func New(options ...Option) *Realm {
	r := &Realm{
		id:         xid.New().String(),
		logger:     log.Discard(),
		sampleRate: DefaultSampleRate,
		blockSize:  DefaultBlockSize,
		tempo:      DefaultTempo,
		duration:   DefaultDuration,
		graph:      NewGraph(),
		registry:   NewRegistry(),
	}
	for _, option := range options {
		option(r)
	}
	if r.kernels == nil {
		r.kernels = processor.NewRegistry()
		builtin.Register(r.kernels)
	}
	r.logger = r.logger.WithField("realm", r.id)
	r.rm = r.metrics.Realm(r.id)
	r.rnd = rand.New(rand.NewSource(r.noiseSeed))
	return r
}

// ID of the realm.
func (r *Realm) ID() string { return r.id }

// Parent returns parent realm, nil for root.
func (r *Realm) Parent() *Realm { return r.parent.Load() }

// Graph of the realm. Graph must be mutated only through realm methods or
// while holding no expectations about the installed program.
func (r *Realm) Graph() *Graph { return r.graph }

// Registry returns objects attached to the realm.
func (r *Realm) Registry() *Registry { return r.registry }

// SampleRate of the realm.
func (r *Realm) SampleRate() int { return r.sampleRate }

// BlockSize of the realm.
func (r *Realm) BlockSize() int {
	r.control.Lock()
	defer r.control.Unlock()
	return r.blockSize
}

// Sink returns realm sink node.
func (r *Realm) Sink() *Node { return r.sink }

// Setup creates sink and installs program of empty graph.
func (r *Realm) Setup(ctx context.Context) error {
	r.control.Lock()
	defer r.control.Unlock()
	if err := r.transition(uninitialized, ready); err != nil {
		return fmt.Errorf("setup %s: %w", r.id, err)
	}
	sink, err := NewNode(SinkID, nodedesc.RealmSinkNode())
	if err != nil {
		return err
	}
	if err := r.graph.AddNode(sink); err != nil {
		return err
	}
	r.sink = sink
	r.logger.Debug("set up")
	return r.updateSpec()
}

// Cleanup uninstalls program, waits for in-flight block and tears down all
// nodes, including child realms.
func (r *Realm) Cleanup(ctx context.Context) error {
	r.control.Lock()
	defer r.control.Unlock()
	if err := r.transition(ready, tornDown); err != nil {
		return fmt.Errorf("cleanup %s: %w", r.id, err)
	}
	r.active.Store(nil)
	if err := r.Sync(ctx); err != nil {
		return err
	}
	var errs error
	for _, n := range r.graph.Nodes() {
		errs = multierr.Append(errs, r.graph.RemoveNode(n))
		errs = multierr.Append(errs, r.cleanupNode(ctx, n))
	}
	r.logger.Debug("cleaned up")
	return errs
}

// SetSpec installs program. The program is bound to a new arena before it
// becomes visible to the audio thread.
func (r *Realm) SetSpec(p *Program) error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.setSpec(p)
}

func (r *Realm) setSpec(p *Program) error {
	if err := r.expect(ready); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	st, err := r.bind(p, r.blockSize)
	if err != nil {
		return err
	}
	r.active.Store(st)
	r.rm.Swapped()
	r.logger.WithField("ops", len(p.Ops)).Debug("program installed")
	return nil
}

func (r *Realm) bind(p *Program, blockSize int) (*programState, error) {
	arena, err := buffer.NewArena(blockSize, p.Buffers...)
	if err != nil {
		return nil, err
	}
	st := &programState{
		program: p,
		arena:   arena,
		buffers: make([]*buffer.Buffer, len(p.Buffers)),
		sources: make([]string, len(p.Buffers)),
	}
	for i, d := range p.Buffers {
		if st.buffers[i], err = arena.Lookup(d.Name, d.Type); err != nil {
			return nil, err
		}
		st.sources[i] = r.id + "/" + d.Name
	}
	tempo := p.Tempo
	if tempo <= 0 {
		tempo = DefaultTempo
	}
	st.tm = block.ConstantTempo{SampleRate: r.sampleRate, BPM: tempo}
	return st, nil
}

// UpdateSpec compiles the graph and installs the program.
func (r *Realm) UpdateSpec() error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.updateSpec()
}

func (r *Realm) updateSpec() error {
	if err := r.expect(ready); err != nil {
		return err
	}
	p, err := r.graph.Compile(r.registry, r.tempo, r.duration)
	if err != nil {
		return err
	}
	return r.setSpec(p)
}

// Program returns installed program.
func (r *Realm) Program() (*Program, error) {
	st := r.active.Load()
	if st == nil {
		return nil, fmt.Errorf("program of %s: %w", r.id, ErrInvalidState)
	}
	return st.program, nil
}

// SetBlockSize resizes processors and rebinds installed program to arena
// of new size. Ports are connected to new buffers on the next block. Child
// realms are resized as well. It must not overlap with ProcessBlock:
// render.Driver pauses its audio thread for the change. Processor that
// fails to resize becomes broken.
func (r *Realm) SetBlockSize(ctx context.Context, blockSize int) error {
	r.control.Lock()
	defer r.control.Unlock()
	return r.setBlockSize(ctx, blockSize)
}

func (r *Realm) setBlockSize(ctx context.Context, blockSize int) error {
	if blockSize <= 0 {
		return fmt.Errorf("block size %d: %w", blockSize, ErrInvalidState)
	}
	r.blockSize = blockSize
	for _, c := range r.registry.Children() {
		if err := c.SetBlockSize(ctx, blockSize); err != nil {
			return err
		}
	}
	for _, p := range r.registry.Processors() {
		if err := p.Resize(ctx, r.sampleRate, blockSize); err != nil {
			r.rm.Broken()
			r.logger.WithError(err).WithField("node", p.ID()).Warn("processor not resized")
		}
	}
	st := r.active.Load()
	if st == nil {
		return nil
	}
	resized, err := r.bind(st.program, blockSize)
	if err != nil {
		return err
	}
	r.active.Store(resized)
	r.logger.WithField("block_size", blockSize).Debug("resized")
	return nil
}

// Sync waits until block that was in flight at the moment of the call is
// done. Blocks started after the last program swap don't reference
// uninstalled programs.
func (r *Realm) Sync(ctx context.Context) error {
	s := r.seq.Load()
	if s%2 == 0 {
		return nil
	}
	t := time.NewTicker(syncInterval)
	defer t.Stop()
	for r.seq.Load() == s {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// ProcessBlock executes installed program. Failures of single ops are
// contained: they are logged, counted and reported as notifications, the
// rest of the program is executed. Error is returned only if realm has no
// program or block context doesn't match the arena.
func (r *Realm) ProcessBlock(bctx *block.Context) error {
	_, err := r.process(bctx)
	return err
}

// Render executes installed program like ProcessBlock and returns sink
// buffers of the program that processed the block. Program swapped in
// after the block doesn't affect returned buffers.
func (r *Realm) Render(bctx *block.Context) (left, right *buffer.Buffer, err error) {
	st, err := r.process(bctx)
	if err != nil {
		return nil, nil, err
	}
	return r.sinkOf(st)
}

func (r *Realm) process(bctx *block.Context) (*programState, error) {
	r.seq.Add(1)
	defer r.seq.Add(1)
	st := r.active.Load()
	if st == nil {
		return nil, fmt.Errorf("process block of %s: %w", r.id, ErrInvalidState)
	}
	if bs := st.arena.BlockSize(); bs != bctx.BlockSize {
		return nil, fmt.Errorf("process block of %d with arena of %d: %w", bctx.BlockSize, bs, ErrInvalidState)
	}
	start := time.Now()
	ops := st.program.Ops
	for i := range ops {
		if err := r.exec(st, &ops[i], bctx); err != nil {
			r.opFailed(&ops[i], err, bctx)
		}
	}
	st.connected = true
	r.rm.Block(time.Since(start))
	return st, nil
}

func (r *Realm) exec(st *programState, op *Op, bctx *block.Context) error {
	prog, bufs := st.program, st.buffers
	switch op.Code {
	case OpNoop:
	case OpClear:
		bufs[op.Buf].Clear()
	case OpMix:
		return bufs[op.Buf].Mix(bufs[op.Src])
	case OpMul:
		return bufs[op.Buf].Mul(op.Value)
	case OpCopy:
		return bufs[op.Buf].Copy(bufs[op.Src])
	case OpSetFloat:
		bufs[op.Buf].Fill(op.Value)
	case OpNoise:
		f := bufs[op.Buf].Floats()
		for i := range f {
			f[i] = 2*r.rnd.Float32() - 1
		}
	case OpFetchControlValue:
		bufs[op.Buf].Fill(prog.Controls[op.Ref].Value())
	case OpConnectPort:
		if st.connected {
			return nil
		}
		return prog.Processors[op.Ref].ConnectPort(bctx, op.Port, bufs[op.Buf])
	case OpCall:
		return prog.Processors[op.Ref].ProcessBlock(bctx, st.tm)
	case OpCallChildRealm:
		left, right, err := prog.Children[op.Ref].Render(bctx)
		if err != nil {
			return err
		}
		return multierr.Append(bufs[op.Buf].Mix(left), bufs[op.Src].Mix(right))
	case OpPostRMS:
		bctx.Notify(block.Notification{
			Type:   block.Level,
			Source: st.sources[op.Buf],
			Value:  bufs[op.Buf].RMS(),
		})
	default:
		return fmt.Errorf("%v: %w", op.Code, ErrInvalidProgram)
	}
	return nil
}

func (r *Realm) opFailed(op *Op, err error, bctx *block.Context) {
	r.rm.OpFailed(op.Code.String())
	if errors.Is(err, processor.ErrBroken) {
		r.rm.Broken()
		r.logger.WithError(err).Warn("processor broken")
		return
	}
	r.logger.WithError(err).WithField("op", op.Code).Warn("op failed")
	bctx.Notify(block.Notification{Type: block.Failure, Source: r.id, Err: err})
}

// SinkBuffers returns realm output buffers of installed program.
func (r *Realm) SinkBuffers() (left, right *buffer.Buffer, err error) {
	st := r.active.Load()
	if st == nil {
		return nil, nil, fmt.Errorf("sink of %s: %w", r.id, ErrInvalidState)
	}
	return r.sinkOf(st)
}

func (r *Realm) sinkOf(st *programState) (left, right *buffer.Buffer, err error) {
	p := st.program
	if p.SinkLeft < 0 || p.SinkRight < 0 {
		return nil, nil, fmt.Errorf("sink of %s: %w", r.id, ErrInvalidProgram)
	}
	return st.buffers[p.SinkLeft], st.buffers[p.SinkRight], nil
}

// Buffer returns buffer of installed program by name.
func (r *Realm) Buffer(name string) (*buffer.Buffer, error) {
	st := r.active.Load()
	if st == nil {
		return nil, fmt.Errorf("buffer of %s: %w", r.id, ErrInvalidState)
	}
	return st.arena.Get(name)
}

// ControlValue returns attached control value by name.
func (r *Realm) ControlValue(name string) (*ControlValue, error) {
	cv, ok := r.registry.ControlValue(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownControlValue)
	}
	return cv, nil
}

// Node returns node of the graph.
func (r *Realm) Node(id string) (*Node, error) {
	r.control.Lock()
	defer r.control.Unlock()
	n, ok := r.graph.Node(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	return n, nil
}
