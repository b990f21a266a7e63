package engine

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/crypto/blake2b"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/processor"
)

// Opcode is a VM instruction code.
type Opcode int

// Opcodes.
const (
	OpNoop Opcode = iota
	OpClear
	OpMix
	OpMul
	OpNoise
	OpFetchControlValue
	OpConnectPort
	OpCall
	OpCallChildRealm
	OpCopy
	OpSetFloat
	OpPostRMS
)

var opcodes = [...]string{
	OpNoop:              "NOOP",
	OpClear:             "CLEAR",
	OpMix:               "MIX",
	OpMul:               "MUL",
	OpNoise:             "NOISE",
	OpFetchControlValue: "FETCH_CONTROL_VALUE",
	OpConnectPort:       "CONNECT_PORT",
	OpCall:              "CALL",
	OpCallChildRealm:    "CALL_CHILD_REALM",
	OpCopy:              "COPY",
	OpSetFloat:          "SET_FLOAT",
	OpPostRMS:           "POST_RMS",
}

func (c Opcode) String() string {
	if c < 0 || int(c) >= len(opcodes) {
		return fmt.Sprintf("OP(%d)", int(c))
	}
	return opcodes[c]
}

// Op is a single instruction. Buffers, processors, child realms and control
// values are referenced by their index in the program.
type Op struct {
	Code Opcode
	// Buf is the target buffer. For CALL_CHILD_REALM it's the left output.
	Buf int
	// Src is the source buffer. For CALL_CHILD_REALM it's the right output.
	Src int
	// Ref is the index of processor, child realm or control value.
	Ref   int
	Port  int
	Value float32
}

// Clear returns CLEAR op.
func Clear(buf int) Op { return Op{Code: OpClear, Buf: buf} }

// Mix returns MIX op.
func Mix(src, dst int) Op { return Op{Code: OpMix, Buf: dst, Src: src} }

// Mul returns MUL op.
func Mul(buf int, k float32) Op { return Op{Code: OpMul, Buf: buf, Value: k} }

// Noise returns NOISE op.
func Noise(buf int) Op { return Op{Code: OpNoise, Buf: buf} }

// FetchControlValue returns FETCH_CONTROL_VALUE op.
func FetchControlValue(cv, buf int) Op { return Op{Code: OpFetchControlValue, Buf: buf, Ref: cv} }

// ConnectPort returns CONNECT_PORT op.
func ConnectPort(proc, port, buf int) Op {
	return Op{Code: OpConnectPort, Buf: buf, Ref: proc, Port: port}
}

// Call returns CALL op.
func Call(proc int) Op { return Op{Code: OpCall, Ref: proc} }

// CallChildRealm returns CALL_CHILD_REALM op.
func CallChildRealm(child, left, right int) Op {
	return Op{Code: OpCallChildRealm, Ref: child, Buf: left, Src: right}
}

// Copy returns COPY op.
func Copy(src, dst int) Op { return Op{Code: OpCopy, Buf: dst, Src: src} }

// SetFloat returns SET_FLOAT op.
func SetFloat(buf int, v float32) Op { return Op{Code: OpSetFloat, Buf: buf, Value: v} }

// PostRMS returns POST_RMS op.
func PostRMS(buf int) Op { return Op{Code: OpPostRMS, Buf: buf} }

// Program is a compiled graph. It's built once and must not be modified
// after it's installed into realm.
type Program struct {
	Buffers    []buffer.Decl
	Processors []*processor.Processor
	Children   []*Realm
	Controls   []*ControlValue
	Ops        []Op
	Tempo      float64
	Duration   block.MusicalDuration
	// SinkLeft and SinkRight are indices of realm output buffers, -1 if
	// program has no sink.
	SinkLeft  int
	SinkRight int

	declaredAt []int
	index      map[string]int
}

// NewProgram returns empty program.
func NewProgram(tempo float64, duration block.MusicalDuration) *Program {
	return &Program{
		Tempo:     tempo,
		Duration:  duration,
		SinkLeft:  -1,
		SinkRight: -1,
		index:     make(map[string]int),
	}
}

// Declare adds buffer declaration and returns its index. Repeated
// declaration of the same name returns existing index if types match.
func (p *Program) Declare(name string, t buffer.Type) (int, error) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[name]; ok {
		if !buffer.Equal(p.Buffers[i].Type, t) {
			return -1, fmt.Errorf("redeclare %s(%v) as %v: %w", name, p.Buffers[i].Type, t, buffer.ErrTypeMismatch)
		}
		return i, nil
	}
	i := len(p.Buffers)
	p.Buffers = append(p.Buffers, buffer.Decl{Name: name, Type: t})
	p.declaredAt = append(p.declaredAt, len(p.Ops))
	p.index[name] = i
	return i, nil
}

// BufferIndex returns index of declared buffer.
func (p *Program) BufferIndex(name string) (int, bool) {
	i, ok := p.index[name]
	return i, ok
}

// AddProcessor references processor and returns its index.
func (p *Program) AddProcessor(proc *processor.Processor) int {
	for i, v := range p.Processors {
		if v == proc {
			return i
		}
	}
	p.Processors = append(p.Processors, proc)
	return len(p.Processors) - 1
}

// AddChild references child realm and returns its index.
func (p *Program) AddChild(r *Realm) int {
	for i, v := range p.Children {
		if v == r {
			return i
		}
	}
	p.Children = append(p.Children, r)
	return len(p.Children) - 1
}

// AddControl references control value and returns its index.
func (p *Program) AddControl(cv *ControlValue) int {
	for i, v := range p.Controls {
		if v == cv {
			return i
		}
	}
	p.Controls = append(p.Controls, cv)
	return len(p.Controls) - 1
}

// Emit appends ops.
func (p *Program) Emit(ops ...Op) {
	p.Ops = append(p.Ops, ops...)
}

// Validate checks that every op references buffers declared before it and
// existing processors, child realms and control values.
func (p *Program) Validate() error {
	for i, op := range p.Ops {
		var bufs []int
		switch op.Code {
		case OpNoop:
		case OpClear, OpMul, OpNoise, OpSetFloat, OpPostRMS:
			bufs = []int{op.Buf}
		case OpMix, OpCopy:
			bufs = []int{op.Buf, op.Src}
		case OpFetchControlValue:
			bufs = []int{op.Buf}
			if op.Ref < 0 || op.Ref >= len(p.Controls) {
				return p.opError(i, op, "control value %d", op.Ref)
			}
		case OpConnectPort:
			bufs = []int{op.Buf}
			if op.Ref < 0 || op.Ref >= len(p.Processors) {
				return p.opError(i, op, "processor %d", op.Ref)
			}
		case OpCall:
			if op.Ref < 0 || op.Ref >= len(p.Processors) {
				return p.opError(i, op, "processor %d", op.Ref)
			}
		case OpCallChildRealm:
			bufs = []int{op.Buf, op.Src}
			if op.Ref < 0 || op.Ref >= len(p.Children) {
				return p.opError(i, op, "child realm %d", op.Ref)
			}
		default:
			return p.opError(i, op, "opcode")
		}
		for _, b := range bufs {
			if b < 0 || b >= len(p.Buffers) {
				return p.opError(i, op, "buffer %d", b)
			}
			if b < len(p.declaredAt) && p.declaredAt[b] > i {
				return p.opError(i, op, "buffer %s declared after use", p.Buffers[b].Name)
			}
		}
	}
	for _, s := range []int{p.SinkLeft, p.SinkRight} {
		if s >= len(p.Buffers) {
			return fmt.Errorf("sink buffer %d: %w", s, ErrInvalidProgram)
		}
	}
	return nil
}

func (p *Program) opError(i int, op Op, format string, args ...interface{}) error {
	return fmt.Errorf("op %d %v: %s: %w", i, op.Code, fmt.Sprintf(format, args...), ErrInvalidProgram)
}

// String returns program listing. Listings of programs compiled from the
// same graph state are identical.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tempo %.4f duration %.4f\n", p.Tempo, float64(p.Duration))
	sb.WriteString("buffers:\n")
	for i, d := range p.Buffers {
		fmt.Fprintf(&sb, "  %d %s %v\n", i, d.Name, d.Type)
	}
	sb.WriteString("processors:\n")
	for i, proc := range p.Processors {
		fmt.Fprintf(&sb, "  %d %s\n", i, proc.ID())
	}
	sb.WriteString("children:\n")
	for i, c := range p.Children {
		fmt.Fprintf(&sb, "  %d %s\n", i, c.ID())
	}
	sb.WriteString("controls:\n")
	for i, cv := range p.Controls {
		fmt.Fprintf(&sb, "  %d %s\n", i, cv.Name())
	}
	sb.WriteString("ops:\n")
	for i, op := range p.Ops {
		fmt.Fprintf(&sb, "  %d %s\n", i, p.opString(op))
	}
	if p.SinkLeft >= 0 && p.SinkRight >= 0 {
		fmt.Fprintf(&sb, "sink: %s %s\n", p.bufName(p.SinkLeft), p.bufName(p.SinkRight))
	}
	return sb.String()
}

func (p *Program) bufName(i int) string {
	if i < 0 || i >= len(p.Buffers) {
		return fmt.Sprintf("#%d", i)
	}
	return p.Buffers[i].Name
}

func (p *Program) opString(op Op) string {
	switch op.Code {
	case OpClear, OpNoise, OpPostRMS:
		return fmt.Sprintf("%v %s", op.Code, p.bufName(op.Buf))
	case OpMix, OpCopy:
		return fmt.Sprintf("%v %s %s", op.Code, p.bufName(op.Src), p.bufName(op.Buf))
	case OpMul, OpSetFloat:
		return fmt.Sprintf("%v %s %.6f", op.Code, p.bufName(op.Buf), op.Value)
	case OpFetchControlValue:
		name := fmt.Sprintf("#%d", op.Ref)
		if op.Ref >= 0 && op.Ref < len(p.Controls) {
			name = p.Controls[op.Ref].Name()
		}
		return fmt.Sprintf("%v %s %s", op.Code, name, p.bufName(op.Buf))
	case OpConnectPort:
		return fmt.Sprintf("%v %s %d %s", op.Code, p.procName(op.Ref), op.Port, p.bufName(op.Buf))
	case OpCall:
		return fmt.Sprintf("%v %s", op.Code, p.procName(op.Ref))
	case OpCallChildRealm:
		name := fmt.Sprintf("#%d", op.Ref)
		if op.Ref >= 0 && op.Ref < len(p.Children) {
			name = p.Children[op.Ref].ID()
		}
		return fmt.Sprintf("%v %s %s %s", op.Code, name, p.bufName(op.Buf), p.bufName(op.Src))
	}
	return op.Code.String()
}

func (p *Program) procName(i int) string {
	if i < 0 || i >= len(p.Processors) {
		return fmt.Sprintf("#%d", i)
	}
	return p.Processors[i].ID()
}

// Fingerprint is a hash of the program listing.
func (p *Program) Fingerprint() [blake2b.Size256]byte {
	return blake2b.Sum256([]byte(p.String()))
}

// Diff returns unified diff of program listings. Empty string is returned
// for identical listings.
func Diff(a, b *Program) string {
	d, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.String()),
		B:        difflib.SplitLines(b.String()),
		FromFile: "a",
		ToFile:   "b",
		Context:  3,
	})
	if err != nil {
		return err.Error()
	}
	return d
}
