package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/intcore/pkg/intcode"
	"github.com/fortiblox/intcore/pkg/port"
)

// Packet is one routed message: a destination address and a fixed number
// of payload words.
type Packet struct {
	Dest    int64
	Payload []int64
}

// NetworkConfig configures a routed network.
type NetworkConfig struct {
	// PayloadWords is the number of payload words per packet. Default 2.
	PayloadWords int

	// PortCapacity bounds every queue in the network. 0 means unbounded.
	PortCapacity int

	// OnStray handles packets addressed outside the network (for example
	// a monitoring address). A nil OnStray makes such packets fatal.
	OnStray func(net *Network, pkt Packet)

	// OnIdle fires when the network goes idle: every queue empty, every
	// machine awaiting input, nothing in flight. The handler may call
	// Inject to wake the network back up or Stop to end the run. A nil
	// OnIdle stops the network on first idle.
	OnIdle func(net *Network)

	// IdlePollInterval is how often the idle monitor samples the
	// network. Defaults to 200 microseconds.
	IdlePollInterval time.Duration
}

// DefaultNetworkConfig returns the default network configuration.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		PayloadWords:     2,
		IdlePollInterval: 200 * time.Microsecond,
	}
}

// Network is an address-routed star of machines running the same program.
//
// Machine i owns network address i and receives it as its first input.
// Every packet a machine emits is a (dest, payload...) tuple on its output
// port; a router goroutine per machine demultiplexes tuples onto the input
// queue of the addressed machine. Networks usually run until stopped: by
// the idle rule, by a handler calling Stop, or by context cancellation.
type Network struct {
	cfg      NetworkConfig
	machines []*intcode.Machine
	inputs   []*port.Port

	// inflight counts packets popped from an output but not yet
	// delivered; the idle rule treats them as queued.
	inflight atomic.Int64

	stop    context.CancelFunc
	stopped atomic.Bool
}

// NewNetwork builds a network of n fresh instances of the program.
func NewNetwork(program *intcode.Program, n int, cfg NetworkConfig) (*Network, error) {
	if n < 1 {
		return nil, ErrNoMachines
	}
	if cfg.PayloadWords <= 0 {
		cfg.PayloadWords = 2
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 200 * time.Microsecond
	}

	net := &Network{
		cfg:      cfg,
		machines: make([]*intcode.Machine, n),
		inputs:   make([]*port.Port, n),
	}
	for i := range net.inputs {
		net.inputs[i] = port.NewBounded(cfg.PortCapacity)
	}
	for i := range net.machines {
		net.machines[i] = intcode.NewMachine(program, intcode.Options{
			Input:  net.inputs[i],
			Output: port.NewBounded(cfg.PortCapacity),
		})
	}
	return net, nil
}

// Machine returns the machine owning address i.
func (net *Network) Machine(i int) *intcode.Machine {
	return net.machines[i]
}

// Size returns the number of machines.
func (net *Network) Size() int {
	return len(net.machines)
}

// Inject queues a packet on the input of the addressed machine. Used by
// idle and stray handlers to feed values back into the network.
func (net *Network) Inject(dest int64, payload ...int64) error {
	if dest < 0 || dest >= int64(len(net.inputs)) {
		return fmt.Errorf("%w: address %d", ErrUnroutable, dest)
	}
	for _, v := range payload {
		if err := net.inputs[dest].Push(context.Background(), v); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends the run. Safe to call from handlers and other goroutines.
func (net *Network) Stop() {
	net.stopped.Store(true)
	if net.stop != nil {
		net.stop()
	}
}

// Run seeds each machine with its address, then drives machines, routers
// and the idle monitor until the network stops or a machine fails.
func (net *Network) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	net.stop = cancel
	ff := &failFirst{cancel: cancel}

	for i := range net.machines {
		if err := net.inputs[i].Push(runCtx, int64(i)); err != nil {
			return err
		}
	}

	var wg, running sync.WaitGroup

	// Machines.
	for i, m := range net.machines {
		wg.Add(1)
		running.Add(1)
		go func(i int, m *intcode.Machine) {
			defer wg.Done()
			defer running.Done()
			m.Run(runCtx)
			// Lets the router drain what is queued and exit instead of
			// blocking on a port with no producer left.
			m.Output().Close()
			if m.State() == intcode.StateFailed {
				ff.set(fmt.Errorf("machine %d: %w", i, m.Err()))
			}
		}(i, m)
	}

	// Once every machine is terminal nothing can wake the network again,
	// so the routers and the idle monitor are released.
	wg.Add(1)
	go func() {
		defer wg.Done()
		running.Wait()
		cancel()
	}()

	// Routers, one per machine output.
	for i, m := range net.machines {
		wg.Add(1)
		go func(i int, out *port.Port) {
			defer wg.Done()
			if err := net.route(runCtx, out); err != nil {
				ff.set(fmt.Errorf("router %d: %w", i, err))
			}
		}(i, m.Output())
	}

	// Idle monitor.
	wg.Add(1)
	go func() {
		defer wg.Done()
		net.monitorIdle(runCtx)
	}()

	wg.Wait()

	if ff.err != nil {
		return ff.err
	}
	if err := ctx.Err(); err != nil && !net.stopped.Load() {
		return err
	}
	return nil
}

// route demultiplexes (dest, payload...) tuples from one output port.
func (net *Network) route(ctx context.Context, out *port.Port) error {
	for {
		dest, ok, err := out.Pop(ctx)
		if err != nil || !ok {
			return nil // stopped or producer halted
		}
		net.inflight.Add(1)
		err = net.deliver(ctx, out, dest)
		net.inflight.Add(-1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// deliver reads the payload words of one packet and routes it.
func (net *Network) deliver(ctx context.Context, out *port.Port, dest int64) error {
	payload := make([]int64, 0, net.cfg.PayloadWords)
	for len(payload) < net.cfg.PayloadWords {
		v, ok, err := out.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("truncated packet for address %d: got %d of %d payload words",
				dest, len(payload), net.cfg.PayloadWords)
		}
		payload = append(payload, v)
	}

	if dest < 0 || dest >= int64(len(net.inputs)) {
		if net.cfg.OnStray == nil {
			return fmt.Errorf("%w: address %d", ErrUnroutable, dest)
		}
		net.cfg.OnStray(net, Packet{Dest: dest, Payload: payload})
		return nil
	}

	for _, v := range payload {
		if err := net.inputs[dest].Push(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// monitorIdle samples the network and fires the idle rule. Machine states
// are sampled racily, so idleness must be observed twice in a row before
// it counts; queue emptiness and the in-flight counter close the gap where
// a router holds a partially delivered packet.
func (net *Network) monitorIdle(ctx context.Context) {
	ticker := time.NewTicker(net.cfg.IdlePollInterval)
	defer ticker.Stop()

	idleRuns := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if net.isIdle() {
			idleRuns++
		} else {
			idleRuns = 0
		}
		if idleRuns < 2 {
			continue
		}
		idleRuns = 0

		if net.cfg.OnIdle == nil {
			net.Stop()
			return
		}
		net.cfg.OnIdle(net)
	}
}

// isIdle reports whether every queue is empty, every machine is awaiting
// input and no packet is in flight.
func (net *Network) isIdle() bool {
	if net.inflight.Load() != 0 {
		return false
	}
	for _, m := range net.machines {
		if m.State() != intcode.StateAwaitingInput {
			return false
		}
		if m.Input().Len() != 0 || m.Output().Len() != 0 {
			return false
		}
	}
	return true
}
