package intcode

import (
	"fmt"
)

// Memory is the growable integer store of a machine.
//
// It is an index-addressed arena, not a sparse map: reads beyond the
// materialized extent return 0 and writes beyond it extend the backing
// array, zero-filled up to the target address. Negative addresses are a
// fatal condition and are never materialized or clamped.
type Memory struct {
	cells []int64
}

// NewMemory creates memory initialized with a copy of the given program image.
func NewMemory(image []int64) *Memory {
	cells := make([]int64, len(image))
	copy(cells, image)
	return &Memory{cells: cells}
}

// Read returns the value at addr, 0 if addr is beyond the materialized extent.
func (m *Memory) Read(addr int64) (int64, error) {
	if addr < 0 {
		return 0, fmt.Errorf("%w: read at %d", ErrInvalidAddress, addr)
	}
	if addr >= int64(len(m.cells)) {
		return 0, nil
	}
	return m.cells[addr], nil
}

// Write stores value at addr, extending the materialized extent as needed.
func (m *Memory) Write(addr int64, value int64) error {
	if addr < 0 {
		return fmt.Errorf("%w: write at %d", ErrInvalidAddress, addr)
	}
	if addr >= int64(len(m.cells)) {
		m.grow(int(addr) + 1)
	}
	m.cells[addr] = value
	return nil
}

// grow extends the backing array to at least need cells.
// The extended region beyond the old length has never been written, so a
// reslice within capacity is already zeroed.
func (m *Memory) grow(need int) {
	if need <= cap(m.cells) {
		m.cells = m.cells[:need]
		return
	}
	newCap := 2 * cap(m.cells)
	if newCap < need {
		newCap = need
	}
	grown := make([]int64, need, newCap)
	copy(grown, m.cells)
	m.cells = grown
}

// Len returns the number of materialized cells.
func (m *Memory) Len() int {
	return len(m.cells)
}

// Dump returns a copy of the materialized cells.
func (m *Memory) Dump() []int64 {
	out := make([]int64, len(m.cells))
	copy(out, m.cells)
	return out
}
