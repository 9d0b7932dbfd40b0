// Package intcode implements the Intcode virtual machine.
//
// Intcode is a memory-addressed virtual machine executing a linear program of
// signed 64-bit integers. The value at the instruction pointer encodes an
// opcode in its low two decimal digits and one addressing mode digit per
// parameter above that:
//   - Mode 0 (position):  the parameter is an address to read or write through
//   - Mode 1 (immediate): the parameter is a literal value (reads only)
//   - Mode 2 (relative):  the parameter is an offset from the relative base
//
// Memory grows on demand and reads beyond the materialized extent return 0.
// A machine exchanges integers with its environment through a pair of FIFO
// ports and suspends when reading from an empty input port, so multiple
// machines can be wired into pipelines, feedback loops and routed networks
// (see the topology package).
package intcode

import (
	"errors"
)

// Errors.
var (
	// ErrParse is returned for malformed program text.
	ErrParse = errors.New("malformed program text")

	// ErrInvalidAddress is returned when a negative address is computed or
	// requested. Negative addresses are never clamped.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrUnknownOpcode is returned for an opcode outside the fixed table.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrUnknownMode is returned for a parameter mode digit outside 0-2.
	ErrUnknownMode = errors.New("unknown parameter mode")

	// ErrInvalidWriteTarget is returned when an instruction attempts to
	// write through an immediate-mode parameter.
	ErrInvalidWriteTarget = errors.New("write through immediate-mode parameter")

	// ErrInputClosed is returned when input is supplied to a machine that is
	// not awaiting any, or when a port is torn down with a value still owed.
	ErrInputClosed = errors.New("input closed")
)

// State is the lifecycle state of a machine.
type State int

// Machine lifecycle states.
const (
	// StateRunning means the machine can execute its next instruction.
	StateRunning State = iota

	// StateAwaitingInput means the machine is suspended on an input
	// instruction with a write pending until a value is supplied.
	StateAwaitingInput

	// StateHalted means the program terminated successfully. Terminal.
	StateHalted

	// StateFailed means execution hit a fatal condition. Terminal.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAwaitingInput:
		return "awaiting-input"
	case StateHalted:
		return "halted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal returns true for states with no successor.
func (s State) Terminal() bool {
	return s == StateHalted || s == StateFailed
}
