// rbx - runs compiled code units on a fresh machine
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/jritten/rubinius/codestore"
	"github.com/jritten/rubinius/config"
	"github.com/jritten/rubinius/vm"
	"github.com/jritten/rubinius/vm/image"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("C", ".", "Directory containing rubinius.toml")
	storePath := flag.String("store", "", "Path to a code store database")
	byHash := flag.String("hash", "", "Load the unit from the store by hash (requires -store)")
	put := flag.Bool("put", false, "Store the unit and print its hash instead of running it")
	list := flag.Bool("list", false, "List the units in the store")
	collect := flag.Bool("gc", false, "Run a full collection after execution and print heap stats")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rbx [options] [unit.rbc]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled code unit and prints its result.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rbx main.rbc                        # Run a unit from a file\n")
		fmt.Fprintf(os.Stderr, "  rbx -store code.db -put main.rbc    # Store a unit, print its hash\n")
		fmt.Fprintf(os.Stderr, "  rbx -store code.db -hash <h>        # Run a unit from the store\n")
		fmt.Fprintf(os.Stderr, "  rbx -store code.db -list            # List stored units\n")
	}
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	commonlog.Configure(cfg.Machine.LogLevel, nil)

	var store *codestore.Store
	if *storePath != "" {
		store, err = codestore.Open(*storePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	if *list {
		if store == nil {
			fmt.Fprintln(os.Stderr, "Error: -list requires -store")
			os.Exit(1)
		}
		names, err := store.Names()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for hash, name := range names {
			fmt.Printf("%s  %s\n", hash, name)
		}
		return
	}

	unit, err := loadUnit(store, *byHash, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *put {
		if store == nil {
			fmt.Fprintln(os.Stderr, "Error: -put requires -store")
			os.Exit(1)
		}
		hash, err := store.Put(unit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	machine := vm.NewMachine()
	mc := vm.NewMemoryController(machine, cfg.Memory.NurseryBytes, cfg.Memory.CheckForwards, cfg.CycleInterval())
	mc.Start()
	defer mc.Stop()

	code, err := image.Decode(machine, unit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding %q: %v\n", unit.Name, err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Printf("Running %s (%d words, %d literals)\n", code.Name, len(code.Words), len(code.Literals))
	}

	st := machine.NewThread()
	result, err := machine.RunCode(st, code, vm.Nil, nil)
	if err != nil {
		var uncaught *vm.UncaughtException
		if errors.As(err, &uncaught) {
			fmt.Fprintf(os.Stderr, "%v\n", uncaught)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(machine.Inspect(result))

	if *collect {
		swept := mc.CollectFull()
		allocated, reclaimed := machine.Heap().Stats()
		fmt.Printf("gc: swept %d, live %d, allocated %d, reclaimed %d\n",
			swept, machine.Heap().Live(), allocated, reclaimed)
	}

	// If the unit returned a small integer, use it as the exit code.
	if result.IsSmallInt() {
		os.Exit(int(result.SmallInt()))
	}
}

// loadUnit resolves the code unit either from the store by hash or from
// a file given on the command line.
func loadUnit(store *codestore.Store, hash string, args []string) (*image.CodeUnit, error) {
	if hash != "" {
		if store == nil {
			return nil, fmt.Errorf("-hash requires -store")
		}
		return store.Get(hash)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expected exactly one unit file (or -hash), got %d arguments", len(args))
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	return image.Unmarshal(data)
}
