package intcode

import (
	"fmt"
)

// Opcode is the operation selector encoded in the low two decimal digits of
// an instruction value.
type Opcode int64

// The fixed opcode table.
const (
	OpAdd      Opcode = 1  // [a] + [b] -> [c]
	OpMul      Opcode = 2  // [a] * [b] -> [c]
	OpInput    Opcode = 3  // input -> [a]
	OpOutput   Opcode = 4  // [a] -> output
	OpJumpNZ   Opcode = 5  // if [a] != 0: pc = [b]
	OpJumpZ    Opcode = 6  // if [a] == 0: pc = [b]
	OpLessThan Opcode = 7  // [a] < [b] ? 1 : 0 -> [c]
	OpEquals   Opcode = 8  // [a] == [b] ? 1 : 0 -> [c]
	OpAdjustRB Opcode = 9  // relative base += [a]
	OpHalt     Opcode = 99 // terminate
)

// String returns the mnemonic for the opcode.
func (op Opcode) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpMul:
		return "mul"
	case OpInput:
		return "in"
	case OpOutput:
		return "out"
	case OpJumpNZ:
		return "jnz"
	case OpJumpZ:
		return "jz"
	case OpLessThan:
		return "lt"
	case OpEquals:
		return "eq"
	case OpAdjustRB:
		return "rbo"
	case OpHalt:
		return "halt"
	default:
		return fmt.Sprintf("op(%d)", int64(op))
	}
}

// Arity returns the fixed parameter count for the opcode.
func (op Opcode) Arity() int {
	switch op {
	case OpAdd, OpMul, OpLessThan, OpEquals:
		return 3
	case OpJumpNZ, OpJumpZ:
		return 2
	case OpInput, OpOutput, OpAdjustRB:
		return 1
	case OpHalt:
		return 0
	default:
		return 0
	}
}

// Width returns the instruction length including the opcode cell.
func (op Opcode) Width() int64 {
	return int64(op.Arity()) + 1
}

// Mode is the addressing mode of one instruction parameter.
type Mode int64

// Parameter addressing modes.
const (
	ModePosition  Mode = 0 // parameter is an address
	ModeImmediate Mode = 1 // parameter is a literal value
	ModeRelative  Mode = 2 // parameter is an offset from the relative base
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePosition:
		return "position"
	case ModeImmediate:
		return "immediate"
	case ModeRelative:
		return "relative"
	default:
		return fmt.Sprintf("mode(%d)", int64(m))
	}
}

// Instruction is a decoded instruction: opcode plus per-parameter modes.
type Instruction struct {
	Op    Opcode
	Modes [3]Mode
}

// Decode splits a raw instruction value into opcode and parameter modes.
// The opcode occupies the low two decimal digits, each parameter's mode one
// decimal digit above that.
func Decode(raw int64) (Instruction, error) {
	var ins Instruction
	if raw < 0 {
		return ins, fmt.Errorf("%w: %d", ErrUnknownOpcode, raw)
	}

	ins.Op = Opcode(raw % 100)
	switch ins.Op {
	case OpAdd, OpMul, OpInput, OpOutput, OpJumpNZ, OpJumpZ,
		OpLessThan, OpEquals, OpAdjustRB, OpHalt:
	default:
		return ins, fmt.Errorf("%w: %d", ErrUnknownOpcode, int64(ins.Op))
	}

	digits := raw / 100
	for i := 0; i < ins.Op.Arity(); i++ {
		mode := Mode(digits % 10)
		switch mode {
		case ModePosition, ModeImmediate, ModeRelative:
			ins.Modes[i] = mode
		default:
			return ins, fmt.Errorf("%w: %d for parameter %d in instruction %d",
				ErrUnknownMode, int64(mode), i, raw)
		}
		digits /= 10
	}
	if digits != 0 {
		return ins, fmt.Errorf("%w: excess mode digits in instruction %d", ErrUnknownMode, raw)
	}
	return ins, nil
}
