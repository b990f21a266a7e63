package engine

import (
	"fmt"
	"sync/atomic"
)

// state identifies one of the lifecycle states realm can be in. Program
// execution doesn't change it: blocks are executed only in ready state and
// tracked separately.
type state int32

// states
const (
	uninitialized state = iota // Uninitialized means realm isn't set up.
	ready                      // Ready means realm has an arena and a program.
	tornDown                   // TornDown means realm released all resources.
)

func (s state) String() string {
	switch s {
	case uninitialized:
		return "uninitialized"
	case ready:
		return "ready"
	case tornDown:
		return "torn down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// lifecycle holds realm state.
type lifecycle struct {
	v atomic.Int32
}

func (l *lifecycle) get() state { return state(l.v.Load()) }

// transition moves to the target state if current state is expected.
func (l *lifecycle) transition(from, to state) error {
	if !l.v.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%v -> %v in %v state: %w", from, to, l.get(), ErrInvalidState)
	}
	return nil
}

// expect returns error if current state is not s.
func (l *lifecycle) expect(s state) error {
	if cur := l.get(); cur != s {
		return fmt.Errorf("expected %v, got %v: %w", s, cur, ErrInvalidState)
	}
	return nil
}
