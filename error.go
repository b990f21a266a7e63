package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned if realm method cannot be executed at
	// this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrDuplicateNode is returned when node id is already present.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrNodeNotFound is returned when node isn't owned by the graph.
	ErrNodeNotFound = errors.New("node not found")
	// ErrUnknownNodeType is returned when node can't be created or set up
	// for its description type.
	ErrUnknownNodeType = errors.New("unknown node type")
	// ErrUnknownPort is returned when node has no port with provided name.
	ErrUnknownPort = errors.New("unknown port")
	// ErrCycle is returned when graph contains a cycle.
	ErrCycle = errors.New("cycle")
	// ErrPortType is returned when ports have different semantic types.
	ErrPortType = errors.New("port types mismatch")
	// ErrDirection is returned when ports have wrong directions.
	ErrDirection = errors.New("wrong port direction")
	// ErrDetached is returned when connected nodes don't belong to the
	// same graph.
	ErrDetached = errors.New("node is not attached to the graph")
	// ErrAlreadyConnected is returned on duplicate connection.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned when disconnecting absent connection.
	ErrNotConnected = errors.New("not connected")
	// ErrDryWetRange is returned when dry/wet level is out of range.
	ErrDryWetRange = errors.New("dry/wet level out of range")
	// ErrNoBypassInput is returned when output has no paired input for
	// bypass and dry/wet.
	ErrNoBypassInput = errors.New("port has no bypass input")
	// ErrNotSetUp is returned when compiled node has no attached resources.
	ErrNotSetUp = errors.New("node is not set up")
	// ErrInvalidProgram is returned when program references undeclared
	// buffers or unknown objects.
	ErrInvalidProgram = errors.New("invalid program")
	// ErrUnknownControlValue is returned when control value isn't
	// registered.
	ErrUnknownControlValue = errors.New("unknown control value")
)

// ConnectionError is returned when ports can't be connected.
type ConnectionError struct {
	Upstream   string
	Downstream string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s to %s: %v", e.Upstream, e.Downstream, e.Err)
}

// Unwrap returns the reason.
func (e *ConnectionError) Unwrap() error { return e.Err }
