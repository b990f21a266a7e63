// Package nodedesc describes node types and their ports. Descriptions are
// provided by an external catalog, the engine only consumes them.
package nodedesc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalid is returned when description is inconsistent.
	ErrInvalid = errors.New("invalid node description")
	// ErrUnknownValue is returned when text can't be parsed into enum.
	ErrUnknownValue = errors.New("unknown value")
)

type (
	// NodeType defines how node is backed.
	NodeType int

	// PortType is a semantic type of port.
	PortType int

	// Direction of the port.
	Direction int
)

// Node types.
const (
	Processor NodeType = iota
	Plugin
	RealmSink
	ChildRealm
)

// Port types.
const (
	Audio PortType = iota
	KRateControl
	ARateControl
	Events
)

// Port directions.
const (
	Input Direction = iota
	Output
)

var (
	nodeTypes = []string{"processor", "plugin", "realm_sink", "child_realm"}
	portTypes = []string{"audio", "kratecontrol", "aratecontrol", "events"}
	dirs      = []string{"input", "output"}
)

// Port is a port description.
type Port struct {
	Name      string    `yaml:"name"`
	Direction Direction `yaml:"direction"`
	Type      PortType  `yaml:"type"`
	// BypassInput names input port that is passed through when output
	// is bypassed or mixed with dry signal.
	BypassInput string `yaml:"bypass_input,omitempty"`
	// DryWet enables dry/wet sub-port of output.
	DryWet bool `yaml:"drywet,omitempty"`
	// Default value of unconnected control input.
	Default float32 `yaml:"default,omitempty"`
}

// Node is a node description.
type Node struct {
	URI       string   `yaml:"uri"`
	Type      NodeType `yaml:"type"`
	Processor string   `yaml:"processor,omitempty"`
	Plugin    string   `yaml:"plugin,omitempty"`
	Ports     []Port   `yaml:"ports"`
}

// Sink port names.
const (
	SinkLeft  = "in:left"
	SinkRight = "in:right"
	OutLeft   = "out:left"
	OutRight  = "out:right"
)

// RealmSinkNode is a description of realm sink. Its inputs are the realm
// output.
func RealmSinkNode() Node {
	return Node{
		URI:  "builtin://sink",
		Type: RealmSink,
		Ports: []Port{
			{Name: SinkLeft, Direction: Input, Type: Audio},
			{Name: SinkRight, Direction: Input, Type: Audio},
		},
	}
}

// ChildRealmNode is a description of node that runs child realm.
func ChildRealmNode() Node {
	return Node{
		URI:  "builtin://child-realm",
		Type: ChildRealm,
		Ports: []Port{
			{Name: OutLeft, Direction: Output, Type: Audio},
			{Name: OutRight, Direction: Output, Type: Audio},
		},
	}
}

// Port returns port description and its index.
func (n Node) Port(name string) (Port, int, bool) {
	for i, p := range n.Ports {
		if p.Name == name {
			return p, i, true
		}
	}
	return Port{}, -1, false
}

// Validate checks that port names are unique and sub-ports refer to
// suitable inputs.
func (n Node) Validate() error {
	seen := make(map[string]struct{}, len(n.Ports))
	for _, p := range n.Ports {
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%s: duplicate port %s: %w", n.URI, p.Name, ErrInvalid)
		}
		seen[p.Name] = struct{}{}
	}
	for _, p := range n.Ports {
		if p.BypassInput == "" {
			continue
		}
		if p.Direction != Output {
			return fmt.Errorf("%s: bypass input on input port %s: %w", n.URI, p.Name, ErrInvalid)
		}
		in, _, ok := n.Port(p.BypassInput)
		if !ok || in.Direction != Input || in.Type != p.Type {
			return fmt.Errorf("%s: bypass input %s of %s: %w", n.URI, p.BypassInput, p.Name, ErrInvalid)
		}
	}
	return nil
}

func (t NodeType) String() string  { return enumString(nodeTypes, int(t)) }
func (t PortType) String() string  { return enumString(portTypes, int(t)) }
func (d Direction) String() string { return enumString(dirs, int(d)) }

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(b []byte) error { return parseEnum(nodeTypes, b, (*int)(t)) }

// MarshalText implements encoding.TextMarshaler.
func (t PortType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PortType) UnmarshalText(b []byte) error { return parseEnum(portTypes, b, (*int)(t)) }

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error { return parseEnum(dirs, b, (*int)(d)) }

func enumString(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("unknown(%d)", v)
	}
	return names[v]
}

func parseEnum(names []string, b []byte, v *int) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range names {
		if n == s {
			*v = i
			return nil
		}
	}
	return fmt.Errorf("%q: %w", s, ErrUnknownValue)
}
