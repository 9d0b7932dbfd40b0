// intcore: Intcode execution engine
//
// This is the main entry point for intcore, a runner for Intcode programs:
// single machines, amplifier pipelines, feedback loops, and address-routed
// networks, with an optional on-disk program library and run journal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fortiblox/intcore/pkg/intcode"
	"github.com/fortiblox/intcore/pkg/programstore"
	"github.com/fortiblox/intcore/pkg/runlog"
	"github.com/fortiblox/intcore/pkg/topology"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	programPath = flag.String("program", "", "Path to the Intcode program file")
	programName = flag.String("load", "", "Load the program from the library instead of a file")
	mode        = flag.String("mode", "run", "Execution mode: run, pipeline, feedback, max-signal, network")
	inputs      = flag.String("inputs", "", "Comma-separated input values for the first machine")
	phases      = flag.String("phases", "", "Comma-separated phase settings (pipeline/feedback), or the candidate set for max-signal")
	stages      = flag.Int("stages", 5, "Number of machines in a pipeline or feedback loop")
	nodes       = flag.Int("nodes", 50, "Number of machines in a network")
	loop        = flag.Bool("loop", false, "Use the feedback-loop wiring for max-signal")
	noun        = flag.Int64("noun", -1, "Override memory address 1 before running (run mode)")
	verb        = flag.Int64("verb", -1, "Override memory address 2 before running (run mode)")
	dataDir     = flag.String("data-dir", "", "Data directory for the program library and run journal")
	storeAs     = flag.String("store-as", "", "Store the program in the library under this name")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("intcore %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Open the library and journal when a data directory is given
	var store *programstore.Store
	var journal *runlog.Log
	if *dataDir != "" {
		var err error
		store, err = programstore.Open(programstore.DefaultConfig(filepath.Join(*dataDir, "programs")))
		if err != nil {
			log.Fatalf("Failed to open program library: %v", err)
		}
		defer store.Close()

		journal, err = runlog.Open(runlog.DefaultConfig(filepath.Join(*dataDir, "runs.db")))
		if err != nil {
			log.Fatalf("Failed to open run journal: %v", err)
		}
		defer journal.Close()
	}

	program, err := loadProgram(store)
	if err != nil {
		log.Fatalf("Failed to load program: %v", err)
	}
	log.Printf("Loaded program %s (%d words)", program.ID(), program.Len())

	if *storeAs != "" {
		if store == nil {
			log.Fatal("-store-as requires -data-dir")
		}
		if _, err := store.Put(*storeAs, program); err != nil {
			log.Fatalf("Failed to store program: %v", err)
		}
		log.Printf("Stored program as %q", *storeAs)
	}

	inputValues, err := parseWords(*inputs)
	if err != nil {
		log.Fatalf("Invalid -inputs: %v", err)
	}
	phaseValues, err := parseWords(*phases)
	if err != nil {
		log.Fatalf("Invalid -phases: %v", err)
	}

	rec := runlog.Record{
		Program: program.ID(),
		Inputs:  inputValues,
		Started: time.Now(),
	}

	switch *mode {
	case "run":
		rec.Topology = "single"
		rec.Outputs, rec.Final, err = runSingle(ctx, program, inputValues, store)
	case "pipeline":
		rec.Topology = "pipeline"
		rec.Outputs, rec.Final, err = runPipeline(ctx, program, phaseValues, inputValues)
	case "feedback":
		rec.Topology = "feedback"
		rec.Final, err = runFeedback(ctx, program, phaseValues)
		rec.Outputs = []int64{rec.Final}
	case "max-signal":
		rec.Topology = "max-signal"
		rec.Final, err = runMaxSignal(ctx, program, phaseValues)
		rec.Outputs = []int64{rec.Final}
	case "network":
		rec.Topology = "network"
		err = runNetwork(ctx, program)
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}

	rec.Duration = time.Since(rec.Started)
	if err != nil {
		rec.Err = err.Error()
	}
	if journal != nil {
		if seq, jerr := journal.Append(rec); jerr != nil {
			log.Printf("Warning: failed to journal run: %v", jerr)
		} else {
			log.Printf("Journaled run %d", seq)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Run failed: %v", err)
	}
	log.Printf("Done in %v", rec.Duration.Round(time.Microsecond))
}

// loadProgram reads the program from the library or from a file.
func loadProgram(store *programstore.Store) (*intcode.Program, error) {
	if *programName != "" {
		if store == nil {
			return nil, fmt.Errorf("-load requires -data-dir")
		}
		return store.Get(*programName)
	}
	if *programPath == "" {
		return nil, fmt.Errorf("either -program or -load is required")
	}
	return intcode.LoadFile(*programPath)
}

// runSingle runs one machine over the inputs and prints its outputs. With
// a library open, identical runs are answered from the snapshot cache.
func runSingle(ctx context.Context, program *intcode.Program, inputValues []int64, store *programstore.Store) ([]int64, int64, error) {
	if store != nil && *noun < 0 && *verb < 0 {
		if mem, err := store.GetSnapshot(program.ID(), inputValues); err == nil && len(mem) > 0 {
			log.Printf("Snapshot cache hit, final memory has %d words", len(mem))
			return nil, mem[0], nil
		}
	}

	m := intcode.NewMachine(program, intcode.Options{})
	if *noun >= 0 {
		if err := m.SetNoun(*noun); err != nil {
			return nil, 0, err
		}
	}
	if *verb >= 0 {
		if err := m.SetVerb(*verb); err != nil {
			return nil, 0, err
		}
	}
	for _, v := range inputValues {
		if err := m.Input().Push(ctx, v); err != nil {
			return nil, 0, err
		}
	}
	m.Input().Close()

	outputs, err := m.RunCollect(ctx)
	if err != nil {
		return outputs, 0, err
	}
	for _, v := range outputs {
		fmt.Println(v)
	}
	log.Printf("Halted, memory[0]=%d, %d outputs", m.Result(), len(outputs))

	if store != nil && *noun < 0 && *verb < 0 {
		if err := store.PutSnapshot(program.ID(), inputValues, m.Memory().Dump()); err != nil {
			log.Printf("Warning: failed to cache snapshot: %v", err)
		}
	}
	return outputs, m.Result(), nil
}

// runPipeline runs a one-directional chain, seeding each stage with its
// phase and the first stage with the inputs.
func runPipeline(ctx context.Context, program *intcode.Program, phaseValues, inputValues []int64) ([]int64, int64, error) {
	n := *stages
	if len(phaseValues) > 0 {
		n = len(phaseValues)
	}
	pl, err := topology.NewPipeline(program, n, topology.DefaultConfig())
	if err != nil {
		return nil, 0, err
	}
	for i, phase := range phaseValues {
		if err := pl.SeedAt(i, phase); err != nil {
			return nil, 0, err
		}
	}
	if err := pl.Seed(inputValues...); err != nil {
		return nil, 0, err
	}

	outputs, err := pl.Run(ctx)
	if err != nil {
		return outputs, 0, err
	}
	if len(outputs) == 0 {
		return nil, 0, topology.ErrNoOutput
	}
	for _, v := range outputs {
		fmt.Println(v)
	}
	return outputs, outputs[len(outputs)-1], nil
}

// runFeedback runs a closed loop until every machine halts.
func runFeedback(ctx context.Context, program *intcode.Program, phaseValues []int64) (int64, error) {
	if len(phaseValues) == 0 {
		return 0, fmt.Errorf("feedback mode requires -phases")
	}
	fl, err := topology.NewFeedbackLoop(program, phaseValues, topology.DefaultConfig())
	if err != nil {
		return 0, err
	}
	signal, err := fl.Run(ctx)
	if err != nil {
		return 0, err
	}
	fmt.Println(signal)
	return signal, nil
}

// runMaxSignal searches every permutation of the phase candidates.
func runMaxSignal(ctx context.Context, program *intcode.Program, phaseValues []int64) (int64, error) {
	if len(phaseValues) == 0 {
		if *loop {
			phaseValues = []int64{5, 6, 7, 8, 9}
		} else {
			phaseValues = []int64{0, 1, 2, 3, 4}
		}
	}
	best, perm, err := topology.MaxSignal(ctx, program, phaseValues, *loop)
	if err != nil {
		return 0, err
	}
	log.Printf("Best signal %d with phases %v", best, perm)
	fmt.Println(best)
	return best, nil
}

// runNetwork runs an address-routed network until it reaches quiescence
// or the context is cancelled.
func runNetwork(ctx context.Context, program *intcode.Program) error {
	cfg := topology.DefaultNetworkConfig()
	cfg.OnStray = func(net *topology.Network, pkt topology.Packet) {
		log.Printf("Stray packet for address %d: %v", pkt.Dest, pkt.Payload)
		net.Stop()
	}
	net, err := topology.NewNetwork(program, *nodes, cfg)
	if err != nil {
		return err
	}
	log.Printf("Running %d-node network...", net.Size())
	return net.Run(ctx)
}

// parseWords parses a comma-separated list of integers. An empty string
// yields an empty list.
func parseWords(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	words := make([]int64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q: %w", part, err)
		}
		words = append(words, v)
	}
	return words, nil
}
