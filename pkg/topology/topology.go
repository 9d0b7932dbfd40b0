// Package topology wires multiple Intcode machines into fixed patterns and
// drives them to completion.
//
// Three topologies are provided:
//   - Pipeline: N machines in a line, each feeding the next
//   - FeedbackLoop: a pipeline whose last output feeds the first input
//   - Network: an address-routed star with idle detection
//
// A topology owns every port it wires; machines only hold handles, so
// cyclic wirings create no ownership cycles. Any machine entering
// StateFailed aborts the whole topology: the first failure is surfaced to
// the caller and the remaining machines are torn down.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/intcore/pkg/intcode"
	"github.com/fortiblox/intcore/pkg/port"
)

var (
	// ErrNoOutput is returned when a topology completes without producing
	// a host-visible result.
	ErrNoOutput = errors.New("topology produced no output")

	// ErrNoMachines is returned when a topology is built with no machines.
	ErrNoMachines = errors.New("topology needs at least one machine")

	// ErrUnroutable is returned when a packet addresses a machine that
	// does not exist and no stray handler is installed.
	ErrUnroutable = errors.New("packet addressed to unknown machine")
)

// Config holds options common to all topologies.
type Config struct {
	// PortCapacity bounds every queue in the topology. 0 means unbounded.
	PortCapacity int
}

// DefaultConfig returns the default topology configuration.
func DefaultConfig() Config {
	return Config{PortCapacity: 0}
}

func (c Config) newPort() *port.Port {
	return port.NewBounded(c.PortCapacity)
}

// failFirst records the first machine failure and tears the topology down.
type failFirst struct {
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (f *failFirst) set(err error) {
	f.once.Do(func() {
		f.err = err
		f.cancel()
	})
}

// drive runs every machine on its own goroutine and blocks until all have
// returned. When a machine finishes, done(i) is invoked so the caller can
// signal completion downstream (typically by closing the machine's output
// port). The first failure cancels the rest.
func drive(ctx context.Context, machines []*intcode.Machine, ff *failFirst, done func(i int)) {
	var wg sync.WaitGroup
	for i, m := range machines {
		wg.Add(1)
		go func(i int, m *intcode.Machine) {
			defer wg.Done()
			m.Run(ctx)
			if m.State() == intcode.StateFailed {
				ff.set(fmt.Errorf("machine %d: %w", i, m.Err()))
			}
			if done != nil {
				done(i)
			}
		}(i, m)
	}
	wg.Wait()
}

// Pipeline is N machines in a line: the output of machine i is the input of
// machine i+1. The host seeds machine 0 and observes machine N-1.
type Pipeline struct {
	machines []*intcode.Machine
	ports    []*port.Port // ports[i] feeds machine i; ports[n] is terminal
}

// NewPipeline builds a pipeline of n fresh instances of the program.
func NewPipeline(program *intcode.Program, n int, cfg Config) (*Pipeline, error) {
	if n < 1 {
		return nil, ErrNoMachines
	}
	pl := &Pipeline{
		machines: make([]*intcode.Machine, n),
		ports:    make([]*port.Port, n+1),
	}
	for i := range pl.ports {
		pl.ports[i] = cfg.newPort()
	}
	for i := range pl.machines {
		pl.machines[i] = intcode.NewMachine(program, intcode.Options{
			Input:  pl.ports[i],
			Output: pl.ports[i+1],
		})
	}
	return pl, nil
}

// Machine returns the i-th machine.
func (pl *Pipeline) Machine(i int) *intcode.Machine {
	return pl.machines[i]
}

// SeedAt queues values on the input of machine i, ahead of anything the
// upstream stage will produce. Call before Run.
func (pl *Pipeline) SeedAt(i int, values ...int64) error {
	for _, v := range values {
		if err := pl.ports[i].Push(context.Background(), v); err != nil {
			return err
		}
	}
	return nil
}

// Seed queues initial input for machine 0. Call before Run.
func (pl *Pipeline) Seed(values ...int64) error {
	return pl.SeedAt(0, values...)
}

// Run closes the seed port, drives all machines to completion and returns
// everything the last machine produced, in order.
func (pl *Pipeline) Run(ctx context.Context) ([]int64, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ff := &failFirst{cancel: cancel}

	// No further seeds: lets machine 0 halt cleanly once input runs dry.
	pl.ports[0].Close()

	var (
		outputs   []int64
		collectWG sync.WaitGroup
	)
	terminal := pl.ports[len(pl.ports)-1]
	collectWG.Add(1)
	go func() {
		defer collectWG.Done()
		for {
			v, ok, err := terminal.Pop(runCtx)
			if err != nil || !ok {
				return
			}
			outputs = append(outputs, v)
		}
	}()

	drive(runCtx, pl.machines, ff, func(i int) {
		pl.ports[i+1].Close()
	})
	collectWG.Wait()

	if ff.err != nil {
		return nil, ff.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// FeedbackLoop is a pipeline whose last output also feeds the first input,
// forming a cycle. One phase seed is queued per machine before the loop
// runs, plus an initial signal of 0 for machine 0. The loop runs until
// every machine halts; the result is the last value the last machine
// produced before termination.
type FeedbackLoop struct {
	machines []*intcode.Machine
	ports    []*port.Port // ports[i] feeds machine i; machine n-1 writes ports[0]
}

// NewFeedbackLoop builds a loop with one machine per phase setting.
func NewFeedbackLoop(program *intcode.Program, phases []int64, cfg Config) (*FeedbackLoop, error) {
	n := len(phases)
	if n < 1 {
		return nil, ErrNoMachines
	}
	fl := &FeedbackLoop{
		machines: make([]*intcode.Machine, n),
		ports:    make([]*port.Port, n),
	}
	for i := range fl.ports {
		fl.ports[i] = cfg.newPort()
	}
	for i := range fl.machines {
		fl.machines[i] = intcode.NewMachine(program, intcode.Options{
			Input:  fl.ports[i],
			Output: fl.ports[(i+1)%n],
		})
	}
	for i, phase := range phases {
		if err := fl.ports[i].Push(context.Background(), phase); err != nil {
			return nil, err
		}
	}
	if err := fl.ports[0].Push(context.Background(), 0); err != nil {
		return nil, err
	}
	return fl, nil
}

// Machine returns the i-th machine.
func (fl *FeedbackLoop) Machine(i int) *intcode.Machine {
	return fl.machines[i]
}

// Run drives the loop until every machine halts and returns the final
// signal: the value the last machine left on the cycle.
func (fl *FeedbackLoop) Run(ctx context.Context) (int64, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ff := &failFirst{cancel: cancel}

	n := len(fl.machines)
	drive(runCtx, fl.machines, ff, func(i int) {
		// Completion ripples around the cycle so a consumer waiting on
		// a finished upstream halts instead of deadlocking.
		fl.ports[(i+1)%n].Close()
	})

	if ff.err != nil {
		return 0, ff.err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Machine 0 halted before consuming the final signal, which is still
	// queued on its input port.
	var (
		signal int64
		found  bool
	)
	for {
		v, ok, _ := fl.ports[0].TryPop()
		if !ok {
			break
		}
		signal, found = v, true
	}
	if !found {
		return 0, ErrNoOutput
	}
	return signal, nil
}

// MaxSignal runs one amplifier chain per permutation of the phase settings
// and returns the best final signal together with the permutation that
// produced it. With loop set, each chain is a FeedbackLoop; otherwise it is
// a Pipeline with each machine seeded by its phase and machine 0 by the
// initial signal 0.
func MaxSignal(ctx context.Context, program *intcode.Program, phases []int64, loop bool) (int64, []int64, error) {
	var (
		best     int64
		bestPerm []int64
	)
	for _, perm := range permutations(phases) {
		signal, err := runChain(ctx, program, perm, loop)
		if err != nil {
			return 0, nil, fmt.Errorf("phases %v: %w", perm, err)
		}
		if bestPerm == nil || signal > best {
			best, bestPerm = signal, perm
		}
	}
	if bestPerm == nil {
		return 0, nil, ErrNoMachines
	}
	return best, bestPerm, nil
}

// runChain runs a single amplifier chain for one phase permutation.
func runChain(ctx context.Context, program *intcode.Program, perm []int64, loop bool) (int64, error) {
	if loop {
		fl, err := NewFeedbackLoop(program, perm, DefaultConfig())
		if err != nil {
			return 0, err
		}
		return fl.Run(ctx)
	}

	pl, err := NewPipeline(program, len(perm), DefaultConfig())
	if err != nil {
		return 0, err
	}
	for i, phase := range perm {
		if err := pl.SeedAt(i, phase); err != nil {
			return 0, err
		}
	}
	if err := pl.Seed(0); err != nil {
		return 0, err
	}
	outputs, err := pl.Run(ctx)
	if err != nil {
		return 0, err
	}
	if len(outputs) == 0 {
		return 0, ErrNoOutput
	}
	return outputs[len(outputs)-1], nil
}

// permutations returns every ordering of values (Heap's algorithm).
func permutations(values []int64) [][]int64 {
	work := make([]int64, len(values))
	copy(work, values)

	var out [][]int64
	var generate func(k int)
	generate = func(k int) {
		if k == 1 {
			perm := make([]int64, len(work))
			copy(perm, work)
			out = append(out, perm)
			return
		}
		for i := 0; i < k; i++ {
			generate(k - 1)
			if k%2 == 0 {
				work[i], work[k-1] = work[k-1], work[i]
			} else {
				work[0], work[k-1] = work[k-1], work[0]
			}
		}
	}
	if len(work) > 0 {
		generate(len(work))
	}
	return out
}
