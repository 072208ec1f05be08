// Command kern386 boots a configured machine and streams the kernel console
// to stdout. Machines are described by a yaml config or assembled from
// -module flags.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/kern386"
	"golang.org/x/term"
)

type moduleList []string

func (m *moduleList) String() string {
	return strings.Join(*m, ",")
}

func (m *moduleList) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// stripWriter removes ANSI sequences for non-terminal sinks.
type stripWriter struct {
	w io.Writer
}

func (s stripWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(s.w, ansi.Strip(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func main() {
	var (
		configPath = flag.String("config", "", "yaml machine config")
		memoryMB   = flag.Uint("memory", 64, "available RAM in MiB")
		timerHz    = flag.Uint("hz", 1000, "scheduler tick frequency")
		steps      = flag.Uint64("steps", 10_000_000, "machine cycles to run")
		verbose    = flag.Bool("v", false, "debug logging")
		modules    moduleList
	)
	flag.Var(&modules, "module", "boot module file, loaded as program1 (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := kern386.DefaultConfig()
	if *configPath != "" {
		loaded, err := kern386.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}
	if *memoryMB != 64 {
		cfg.MemoryMB = uint32(*memoryMB)
	}
	if *timerHz != 1000 {
		cfg.TimerHz = uint32(*timerHz)
	}
	for _, path := range modules {
		cfg.Modules = append(cfg.Modules, kern386.Module{Name: "program1", Path: path})
	}

	var console io.Writer = os.Stdout
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		console = stripWriter{w: os.Stdout}
	}

	system, err := kern386.Boot(cfg, kern386.WithConsole(console), kern386.WithSerial(os.Stderr))
	if err != nil {
		log.Fatalf("boot: %v", err)
	}

	// Feed piped stdin to the serial console.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if input, err := io.ReadAll(os.Stdin); err == nil && len(input) > 0 {
			system.QueueSerialInput(input)
		}
	}

	if len(cfg.Modules) == 0 {
		fmt.Fprintln(os.Stderr, "no modules to run; kernel initialized and idle")
		return
	}

	if err := system.Start(); err != nil {
		log.Fatalf("entering user mode: %v", err)
	}
	if err := system.Run(*steps); err != nil {
		slog.Info("machine stopped", "error", err, "ticks", system.Ticks())
		os.Exit(1)
	}
	slog.Info("step budget exhausted", "ticks", system.Ticks(), "pid", system.CurrentPID())
}
