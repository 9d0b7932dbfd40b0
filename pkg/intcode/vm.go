package intcode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fortiblox/intcore/pkg/port"
)

// Machine is one Intcode VM instance: an executor coupled to an input and
// an output port.
//
// A machine exclusively owns its memory and execution state; ports are
// shared hand-off points owned by whoever wired the machine (typically a
// topology). Execution is strictly sequential within one machine. The only
// suspension points are an input read with nothing queued, which parks the
// machine in StateAwaitingInput holding the pending write destination, and
// an output push against a full bounded port.
//
// Machines can be driven two ways with identical semantics: step by step
// via Step and ProvideInput on a single goroutine, or via Run, which blocks
// on the input port while suspended.
type Machine struct {
	mem *Memory
	pc  int64
	rb  int64
	err error

	// state is atomic so topology monitors can observe it while the
	// machine runs on another goroutine.
	state atomic.Int32

	in  *port.Port
	out *port.Port

	// pendingDest is the resolved write address of a suspended input
	// instruction. Resuming completes exactly this write; no other side
	// effect of the instruction is re-executed.
	pendingDest int64
}

// Options configures a machine.
type Options struct {
	// Input is the port the machine reads from. Unbounded if nil.
	Input *port.Port

	// Output is the port the machine writes to. Unbounded if nil.
	Output *port.Port
}

// NewMachine creates a machine loaded with a fresh copy of the program.
func NewMachine(p *Program, opts Options) *Machine {
	in := opts.Input
	if in == nil {
		in = port.New()
	}
	out := opts.Output
	if out == nil {
		out = port.New()
	}
	return &Machine{
		mem: NewMemory(p.code),
		in:  in,
		out: out,
	}
}

// Input returns the machine's input port.
func (m *Machine) Input() *port.Port {
	return m.in
}

// Output returns the machine's output port.
func (m *Machine) Output() *port.Port {
	return m.out
}

// Memory returns the machine's memory.
func (m *Machine) Memory() *Memory {
	return m.mem
}

// State returns the lifecycle state. Safe to call from any goroutine.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// setState records a lifecycle transition.
func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}

// Err returns the failure, nil unless the machine is StateFailed.
func (m *Machine) Err() error {
	return m.err
}

// SetNoun writes the noun (memory address 1).
func (m *Machine) SetNoun(v int64) error {
	return m.mem.Write(1, v)
}

// SetVerb writes the verb (memory address 2).
func (m *Machine) SetVerb(v int64) error {
	return m.mem.Write(2, v)
}

// Result returns the value at memory address 0.
func (m *Machine) Result() int64 {
	v, _ := m.mem.Read(0)
	return v
}

// Step executes one instruction and returns the resulting state.
//
// In StateAwaitingInput, Step consumes a queued input value if one has
// arrived, halts cleanly if the input port was closed, and otherwise leaves
// the machine suspended. In a terminal state Step is a no-op. The returned
// error is the machine's failure when it enters StateFailed, or a transient
// context error if ctx was cancelled while blocked on output backpressure.
func (m *Machine) Step(ctx context.Context) (State, error) {
	switch m.State() {
	case StateHalted, StateFailed:
		return m.State(), m.err
	case StateAwaitingInput:
		v, ok, closed := m.in.TryPop()
		switch {
		case ok:
			m.completeInput(v)
		case closed:
			m.setState(StateHalted)
		}
		return m.State(), m.err
	}

	raw, err := m.mem.Read(m.pc)
	if err != nil {
		return m.fail(err)
	}
	ins, err := Decode(raw)
	if err != nil {
		return m.fail(err)
	}

	switch ins.Op {
	case OpAdd:
		a, b, dst, err := m.binaryOperands(ins)
		if err != nil {
			return m.fail(err)
		}
		if err := m.mem.Write(dst, a+b); err != nil {
			return m.fail(err)
		}
		m.pc += ins.Op.Width()

	case OpMul:
		a, b, dst, err := m.binaryOperands(ins)
		if err != nil {
			return m.fail(err)
		}
		if err := m.mem.Write(dst, a*b); err != nil {
			return m.fail(err)
		}
		m.pc += ins.Op.Width()

	case OpInput:
		dst, err := m.dest(ins, 0)
		if err != nil {
			return m.fail(err)
		}
		v, ok, closed := m.in.TryPop()
		switch {
		case ok:
			m.pendingDest = dst
			m.completeInput(v)
		case closed:
			// Upstream signalled completion before anything was
			// consumed: clean termination, not a failure.
			m.setState(StateHalted)
		default:
			m.pendingDest = dst
			m.setState(StateAwaitingInput)
		}

	case OpOutput:
		v, err := m.load(ins, 0)
		if err != nil {
			return m.fail(err)
		}
		if err := m.out.Push(ctx, v); err != nil {
			if errors.Is(err, port.ErrClosed) {
				return m.fail(fmt.Errorf("%w: output value %d undeliverable", ErrInputClosed, v))
			}
			return m.State(), err
		}
		m.pc += ins.Op.Width()

	case OpJumpNZ:
		cond, err := m.load(ins, 0)
		if err != nil {
			return m.fail(err)
		}
		target, err := m.load(ins, 1)
		if err != nil {
			return m.fail(err)
		}
		if cond != 0 {
			m.pc = target
		} else {
			m.pc += ins.Op.Width()
		}

	case OpJumpZ:
		cond, err := m.load(ins, 0)
		if err != nil {
			return m.fail(err)
		}
		target, err := m.load(ins, 1)
		if err != nil {
			return m.fail(err)
		}
		if cond == 0 {
			m.pc = target
		} else {
			m.pc += ins.Op.Width()
		}

	case OpLessThan:
		a, b, dst, err := m.binaryOperands(ins)
		if err != nil {
			return m.fail(err)
		}
		if err := m.mem.Write(dst, boolWord(a < b)); err != nil {
			return m.fail(err)
		}
		m.pc += ins.Op.Width()

	case OpEquals:
		a, b, dst, err := m.binaryOperands(ins)
		if err != nil {
			return m.fail(err)
		}
		if err := m.mem.Write(dst, boolWord(a == b)); err != nil {
			return m.fail(err)
		}
		m.pc += ins.Op.Width()

	case OpAdjustRB:
		delta, err := m.load(ins, 0)
		if err != nil {
			return m.fail(err)
		}
		m.rb += delta
		m.pc += ins.Op.Width()

	case OpHalt:
		m.setState(StateHalted)
	}

	return m.State(), m.err
}

// ProvideInput resumes a machine suspended in StateAwaitingInput by
// completing the pending write with v.
func (m *Machine) ProvideInput(v int64) error {
	if s := m.State(); s != StateAwaitingInput {
		return fmt.Errorf("%w: machine is %s, no input read pending", ErrInputClosed, s)
	}
	m.completeInput(v)
	return nil
}

// Run drives the machine until it halts or fails. While suspended on input
// it blocks on the input port; a closed input port while suspended yields a
// clean halt. The returned error is the machine's failure, or the context
// error if ctx was cancelled.
func (m *Machine) Run(ctx context.Context) error {
	for {
		switch m.State() {
		case StateRunning:
			if _, err := m.Step(ctx); err != nil && m.State() != StateFailed {
				return err
			}
		case StateAwaitingInput:
			v, ok, err := m.in.Pop(ctx)
			if err != nil {
				return err
			}
			if !ok {
				m.setState(StateHalted)
				return nil
			}
			if err := m.ProvideInput(v); err != nil {
				return err
			}
		case StateHalted:
			return nil
		case StateFailed:
			return m.err
		}
	}
}

// RunCollect runs the machine and returns everything it produced on its
// output port, in order. The output port is closed when the run ends.
func (m *Machine) RunCollect(ctx context.Context) ([]int64, error) {
	var (
		outputs []int64
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			v, ok, err := m.out.Pop(ctx)
			if err != nil || !ok {
				return
			}
			outputs = append(outputs, v)
		}
	}()

	err := m.Run(ctx)
	m.out.Close()
	wg.Wait()
	return outputs, err
}

// completeInput finishes the write of an input instruction and resumes.
// The destination was validated when the instruction was decoded.
func (m *Machine) completeInput(v int64) {
	if err := m.mem.Write(m.pendingDest, v); err != nil {
		m.fail(err)
		return
	}
	m.pc += OpInput.Width()
	m.setState(StateRunning)
}

// binaryOperands resolves the two read parameters and the write destination
// of a three-parameter instruction.
func (m *Machine) binaryOperands(ins Instruction) (a, b, dst int64, err error) {
	if a, err = m.load(ins, 0); err != nil {
		return
	}
	if b, err = m.load(ins, 1); err != nil {
		return
	}
	dst, err = m.dest(ins, 2)
	return
}

// load resolves read parameter i of the instruction at the current pc.
func (m *Machine) load(ins Instruction, i int) (int64, error) {
	raw, err := m.mem.Read(m.pc + 1 + int64(i))
	if err != nil {
		return 0, err
	}
	switch ins.Modes[i] {
	case ModeImmediate:
		return raw, nil
	case ModeRelative:
		return m.mem.Read(m.rb + raw)
	default: // ModePosition
		return m.mem.Read(raw)
	}
}

// dest resolves write parameter i of the instruction at the current pc.
func (m *Machine) dest(ins Instruction, i int) (int64, error) {
	raw, err := m.mem.Read(m.pc + 1 + int64(i))
	if err != nil {
		return 0, err
	}
	var addr int64
	switch ins.Modes[i] {
	case ModeImmediate:
		return 0, fmt.Errorf("%w: parameter %d of %s", ErrInvalidWriteTarget, i, ins.Op)
	case ModeRelative:
		addr = m.rb + raw
	default: // ModePosition
		addr = raw
	}
	if addr < 0 {
		return 0, fmt.Errorf("%w: write target %d", ErrInvalidAddress, addr)
	}
	return addr, nil
}

// fail moves the machine to StateFailed, recording the error with the pc
// it occurred at.
func (m *Machine) fail(err error) (State, error) {
	m.err = fmt.Errorf("pc %d: %w", m.pc, err)
	m.setState(StateFailed)
	return StateFailed, m.err
}

func boolWord(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
