package intcode

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// mustParse parses a program or fails the test.
func mustParse(t *testing.T, text string) *Program {
	t.Helper()
	p, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", text, err)
	}
	return p
}

// runToHalt runs a machine with the given inputs and returns its outputs.
func runToHalt(t *testing.T, m *Machine, inputs ...int64) []int64 {
	t.Helper()
	ctx := context.Background()
	for _, v := range inputs {
		if err := m.Input().Push(ctx, v); err != nil {
			t.Fatalf("Push(%d) failed: %v", v, err)
		}
	}
	m.Input().Close()

	outputs, err := m.RunCollect(ctx)
	if err != nil {
		t.Fatalf("RunCollect() failed: %v", err)
	}
	if m.State() != StateHalted {
		t.Fatalf("State() = %v, want StateHalted", m.State())
	}
	return outputs
}

// TestMachineArithmetic tests add and mul over position parameters.
func TestMachineArithmetic(t *testing.T) {
	tests := []struct {
		name    string
		program string
		want    []int64
	}{
		{
			name:    "add",
			program: "1,0,0,0,99",
			want:    []int64{2, 0, 0, 0, 99},
		},
		{
			name:    "mul",
			program: "2,3,0,3,99",
			want:    []int64{2, 3, 0, 6, 99},
		},
		{
			name:    "mul into tail",
			program: "2,4,4,5,99,0",
			want:    []int64{2, 4, 4, 5, 99, 9801},
		},
		{
			name:    "overwrite upcoming halt",
			program: "1,1,1,4,99,5,6,0,99",
			want:    []int64{30, 1, 1, 4, 2, 5, 6, 0, 99},
		},
		{
			name:    "small gravity assist",
			program: "1,9,10,3,2,3,11,0,99,30,40,50",
			want:    []int64{3500, 9, 10, 70, 2, 3, 11, 0, 99, 30, 40, 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(mustParse(t, tt.program), Options{})
			runToHalt(t, m)
			if got := m.Memory().Dump(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("memory = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestMachineParameterModes tests immediate and negative parameters.
func TestMachineParameterModes(t *testing.T) {
	tests := []struct {
		name    string
		program string
		addr    int64
		want    int64
	}{
		{
			name:    "immediate mul",
			program: "1002,4,3,4,33",
			addr:    4,
			want:    99,
		},
		{
			name:    "negative immediate add",
			program: "1101,100,-1,4,0",
			addr:    4,
			want:    99,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(mustParse(t, tt.program), Options{})
			runToHalt(t, m)
			got, err := m.Memory().Read(tt.addr)
			if err != nil {
				t.Fatalf("Read(%d) failed: %v", tt.addr, err)
			}
			if got != tt.want {
				t.Errorf("memory[%d] = %d, want %d", tt.addr, got, tt.want)
			}
		})
	}
}

// TestMachineEcho tests a single input/output round trip.
func TestMachineEcho(t *testing.T) {
	m := NewMachine(mustParse(t, "3,0,4,0,99"), Options{})
	outputs := runToHalt(t, m, 1234)
	if !reflect.DeepEqual(outputs, []int64{1234}) {
		t.Errorf("outputs = %v, want [1234]", outputs)
	}
}

// TestMachineComparisons tests the comparison and jump instructions.
func TestMachineComparisons(t *testing.T) {
	tests := []struct {
		name    string
		program string
		input   int64
		want    int64
	}{
		{"eq position true", "3,9,8,9,10,9,4,9,99,-1,8", 8, 1},
		{"eq position false", "3,9,8,9,10,9,4,9,99,-1,8", 7, 0},
		{"lt position true", "3,9,7,9,10,9,4,9,99,-1,8", 7, 1},
		{"lt position false", "3,9,7,9,10,9,4,9,99,-1,8", 8, 0},
		{"eq immediate true", "3,3,1108,-1,8,3,4,3,99", 8, 1},
		{"eq immediate false", "3,3,1108,-1,8,3,4,3,99", 9, 0},
		{"lt immediate true", "3,3,1107,-1,8,3,4,3,99", 7, 1},
		{"lt immediate false", "3,3,1107,-1,8,3,4,3,99", 8, 0},
		{"jump position zero", "3,12,6,12,15,1,13,14,13,4,13,99,-1,0,1,9", 0, 0},
		{"jump position nonzero", "3,12,6,12,15,1,13,14,13,4,13,99,-1,0,1,9", 5, 1},
		{"jump immediate zero", "3,3,1105,-1,9,1101,0,0,12,4,12,99,1", 0, 0},
		{"jump immediate nonzero", "3,3,1105,-1,9,1101,0,0,12,4,12,99,1", 5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(mustParse(t, tt.program), Options{})
			outputs := runToHalt(t, m, tt.input)
			if len(outputs) != 1 || outputs[0] != tt.want {
				t.Errorf("outputs = %v, want [%d]", outputs, tt.want)
			}
		})
	}
}

// TestMachineBranching tests the three-way comparison against 8.
func TestMachineBranching(t *testing.T) {
	program := "3,21,1008,21,8,20,1005,20,22,107,8,21,20,1006,20,31," +
		"1106,0,36,98,0,0,1002,21,125,20,4,20,1105,1,46,104," +
		"999,1105,1,46,1101,1000,1,20,4,20,1105,1,46,98,99"

	tests := []struct {
		input int64
		want  int64
	}{
		{7, 999},
		{8, 1000},
		{9, 1001},
	}

	for _, tt := range tests {
		m := NewMachine(mustParse(t, program), Options{})
		outputs := runToHalt(t, m, tt.input)
		if len(outputs) != 1 || outputs[0] != tt.want {
			t.Errorf("input %d: outputs = %v, want [%d]", tt.input, outputs, tt.want)
		}
	}
}

// TestMachineQuine tests a self-replicating program built on the relative
// base register.
func TestMachineQuine(t *testing.T) {
	text := "109,1,204,-1,1001,100,1,100,1008,100,16,101,1006,101,0,99"
	p := mustParse(t, text)
	m := NewMachine(p, Options{})
	outputs := runToHalt(t, m)
	if !reflect.DeepEqual(outputs, p.Words()) {
		t.Errorf("outputs = %v, want %v", outputs, p.Words())
	}
}

// TestMachineLargeNumbers tests words outside 32-bit range.
func TestMachineLargeNumbers(t *testing.T) {
	tests := []struct {
		name    string
		program string
		want    int64
	}{
		{
			name:    "multiply to 16 digits",
			program: "1102,34915192,34915192,7,4,7,99,0",
			want:    34915192 * 34915192,
		},
		{
			name:    "large immediate",
			program: "104,1125899906842624,99",
			want:    1125899906842624,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(mustParse(t, tt.program), Options{})
			outputs := runToHalt(t, m)
			if len(outputs) != 1 || outputs[0] != tt.want {
				t.Errorf("outputs = %v, want [%d]", outputs, tt.want)
			}
		})
	}
}

// TestMachineRelativeRoundTrip writes through the relative base into grown
// memory and reads the value back out.
func TestMachineRelativeRoundTrip(t *testing.T) {
	// rb=10; input into rb+0; output rb+0
	m := NewMachine(mustParse(t, "109,10,203,0,204,0,99"), Options{})
	outputs := runToHalt(t, m, 77)
	if !reflect.DeepEqual(outputs, []int64{77}) {
		t.Errorf("outputs = %v, want [77]", outputs)
	}
}

// TestMachineStepResume drives a machine one instruction at a time through
// an input suspension.
func TestMachineStepResume(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(mustParse(t, "3,0,4,0,99"), Options{})

	st, err := m.Step(ctx)
	if err != nil {
		t.Fatalf("Step() failed: %v", err)
	}
	if st != StateAwaitingInput {
		t.Fatalf("Step() = %v, want StateAwaitingInput", st)
	}

	// Suspended machines hold their position until input arrives.
	if st, _ = m.Step(ctx); st != StateAwaitingInput {
		t.Fatalf("Step() while suspended = %v, want StateAwaitingInput", st)
	}

	if err := m.ProvideInput(55); err != nil {
		t.Fatalf("ProvideInput(55) failed: %v", err)
	}
	if m.State() != StateRunning {
		t.Fatalf("State() = %v, want StateRunning", m.State())
	}

	for m.State() == StateRunning {
		if _, err := m.Step(ctx); err != nil {
			t.Fatalf("Step() failed: %v", err)
		}
	}
	if m.State() != StateHalted {
		t.Fatalf("State() = %v, want StateHalted", m.State())
	}

	v, ok, _ := m.Output().TryPop()
	if !ok || v != 55 {
		t.Errorf("output = %d (ok=%v), want 55", v, ok)
	}
}

// TestMachineProvideInputNotSuspended tests that input outside a
// suspension is rejected.
func TestMachineProvideInputNotSuspended(t *testing.T) {
	m := NewMachine(mustParse(t, "99"), Options{})
	if err := m.ProvideInput(1); !errors.Is(err, ErrInputClosed) {
		t.Errorf("ProvideInput() = %v, want ErrInputClosed", err)
	}
}

// TestMachineInputClosedHaltsCleanly tests that a closed input port reads
// as end of stream, not as a failure.
func TestMachineInputClosedHaltsCleanly(t *testing.T) {
	tests := []struct {
		name    string
		program string
		inputs  []int64
	}{
		{"closed before first read", "3,0,99", nil},
		{"closed before second read", "3,0,3,1,99", []int64{7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMachine(mustParse(t, tt.program), Options{})
			for _, v := range tt.inputs {
				if err := m.Input().Push(ctx, v); err != nil {
					t.Fatalf("Push(%d) failed: %v", v, err)
				}
			}
			m.Input().Close()

			if err := m.Run(ctx); err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if m.State() != StateHalted {
				t.Errorf("State() = %v, want StateHalted", m.State())
			}
		})
	}
}

// TestMachineFailures tests the failure modes and their sentinel errors.
func TestMachineFailures(t *testing.T) {
	tests := []struct {
		name    string
		program string
		want    error
	}{
		{"unknown opcode", "98", ErrUnknownOpcode},
		{"immediate write target", "10001,0,0,0,99", ErrInvalidWriteTarget},
		{"negative read address", "109,-5,204,0,99", ErrInvalidAddress},
		{"negative relative write", "109,-7,21101,1,1,0,99", ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(mustParse(t, tt.program), Options{})
			m.Input().Close()
			err := m.Run(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() = %v, want %v", err, tt.want)
			}
			if m.State() != StateFailed {
				t.Errorf("State() = %v, want StateFailed", m.State())
			}
			if !errors.Is(m.Err(), tt.want) {
				t.Errorf("Err() = %v, want %v", m.Err(), tt.want)
			}
		})
	}
}

// TestMachineNounVerb tests the noun/verb override helpers.
func TestMachineNounVerb(t *testing.T) {
	m := NewMachine(mustParse(t, "1,0,0,0,99"), Options{})
	if err := m.SetNoun(1); err != nil {
		t.Fatalf("SetNoun() failed: %v", err)
	}
	if err := m.SetVerb(1); err != nil {
		t.Fatalf("SetVerb() failed: %v", err)
	}
	runToHalt(t, m)
	if m.Result() != 2 {
		t.Errorf("Result() = %d, want 2", m.Result())
	}
}

// TestMachineStepTerminalNoOp tests that stepping a halted machine does
// nothing.
func TestMachineStepTerminalNoOp(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(mustParse(t, "99"), Options{})
	if st, err := m.Step(ctx); err != nil || st != StateHalted {
		t.Fatalf("Step() = %v, %v, want StateHalted, nil", st, err)
	}
	if st, err := m.Step(ctx); err != nil || st != StateHalted {
		t.Errorf("Step() after halt = %v, %v, want StateHalted, nil", st, err)
	}
}
