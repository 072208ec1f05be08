// Package kern386 boots a small 32-bit x86 kernel on a deterministic
// simulated machine. A System bundles the machine (CPU, RAM, PIC, PIT, UART)
// with the kernel that drives it; user processes are raw code blobs loaded
// as Multiboot2 modules or started programmatically, preemptively scheduled
// by the timer tick, and talking to the kernel through the int 0x48 gate.
package kern386

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/kern386/internal/boot"
	"github.com/tinyrange/kern386/internal/chipset"
	"github.com/tinyrange/kern386/internal/devices/pic"
	"github.com/tinyrange/kern386/internal/devices/pit"
	"github.com/tinyrange/kern386/internal/devices/uart"
	"github.com/tinyrange/kern386/internal/helper"
	"github.com/tinyrange/kern386/internal/kernel"
	"github.com/tinyrange/kern386/internal/mach"
	"gopkg.in/yaml.v3"
)

// Module is one boot module. Data takes precedence; otherwise the bytes are
// read from Path at boot. Modules named "program1" start as user processes.
type Module struct {
	Name string `yaml:"name"`
	Path string `yaml:"path,omitempty"`
	Data []byte `yaml:"-"`
}

// Config describes the machine to boot.
type Config struct {
	// MemoryMB is the size of the available RAM region above 1 MiB.
	MemoryMB uint32 `yaml:"memoryMB"`
	// TimerHz is the scheduler tick frequency.
	TimerHz uint32 `yaml:"timerHz"`
	// Modules are handed to the kernel through the Multiboot2 module tags.
	Modules []Module `yaml:"modules"`
	// Framebuffer adds a framebuffer tag to the boot info.
	Framebuffer bool `yaml:"framebuffer"`
}

// DefaultConfig is a 64 MiB machine with a 1000 Hz tick.
func DefaultConfig() Config {
	return Config{
		MemoryMB: 64,
		TimerHz:  kernel.DefaultTimerFrequency,
	}
}

// LoadConfig reads a yaml Config from path.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("kern386: read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("kern386: parse config %q: %w", path, err)
	}
	return cfg, nil
}

type sysOptions struct {
	console io.Writer
	serial  io.Writer
	logger  *slog.Logger
}

// Option configures Boot.
type Option func(*sysOptions)

// WithConsole mirrors kernel console output (including syscall putchar) to w.
func WithConsole(w io.Writer) Option {
	return func(o *sysOptions) { o.console = w }
}

// WithSerial receives the bytes the kernel transmits on COM1.
func WithSerial(w io.Writer) Option {
	return func(o *sysOptions) { o.serial = w }
}

// WithLogger sets the host-side diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *sysOptions) { o.logger = l }
}

// System is a booted machine plus its kernel.
type System struct {
	machine *mach.Machine
	kern    *kernel.Kernel
	com1    *uart.UART
}

// Boot assembles the machine, writes the Multiboot2 structures, and runs the
// kernel's initialization in dependency order. User mode is not entered
// until Start.
func Boot(cfg Config, opts ...Option) (*System, error) {
	var o sysOptions
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 64
	}
	if cfg.TimerHz == 0 {
		cfg.TimerHz = kernel.DefaultTimerFrequency
	}
	memSize := uint32(boot.KernelImageBase) + cfg.MemoryMB<<20

	chip := chipset.New()
	dualPIC := pic.New()
	timer := pit.New(chipset.LineInterruptToSink(dualPIC, 0))
	com1 := uart.New(0x3F8, o.serial)
	for name, dev := range map[string]chipset.Device{
		"pic":  dualPIC,
		"pit":  timer,
		"com1": com1,
	} {
		if err := chip.RegisterDevice(name, dev); err != nil {
			return nil, fmt.Errorf("kern386: %w", err)
		}
	}

	machine := mach.New(memSize, chip)
	machine.SetInterruptController(dualPIC)

	// Place the modules after the kernel image and describe everything in
	// the boot info.
	var builder boot.InfoBuilder
	builder.AddMemoryRegion(boot.MemoryRegion{
		Base:   boot.KernelImageBase,
		Length: uint64(cfg.MemoryMB) << 20,
		Type:   boot.MmapAvailable,
	})

	loadAddr := uint32(boot.ModuleLoadBase)
	for _, mod := range cfg.Modules {
		data := mod.Data
		if data == nil && mod.Path != "" {
			fileData, err := os.ReadFile(mod.Path)
			if err != nil {
				return nil, fmt.Errorf("kern386: read module %q: %w", mod.Name, err)
			}
			data = fileData
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("kern386: module %q is empty", mod.Name)
		}
		if _, err := machine.WriteAt(data, int64(loadAddr)); err != nil {
			return nil, fmt.Errorf("kern386: load module %q: %w", mod.Name, err)
		}
		builder.AddModule(boot.Module{
			Start: loadAddr,
			End:   loadAddr + uint32(len(data)),
			Name:  mod.Name,
		})
		loadAddr = helper.AlignTo(loadAddr+uint32(len(data)), mach.PageSize)
	}

	if cfg.Framebuffer {
		builder.SetFramebuffer(boot.Framebuffer{
			Addr:   0xFD000000,
			Pitch:  1024 * 4,
			Width:  1024,
			Height: 768,
			BPP:    32,
		})
	}

	if _, err := builder.WriteTo(machine, boot.BootInfoPhys); err != nil {
		return nil, fmt.Errorf("kern386: %w", err)
	}

	kernOpts := []kernel.Option{kernel.WithTimerFrequency(cfg.TimerHz)}
	if o.console != nil {
		kernOpts = append(kernOpts, kernel.WithConsoleWriter(o.console))
	}
	if o.logger != nil {
		kernOpts = append(kernOpts, kernel.WithLogger(o.logger))
	}
	kern := kernel.New(machine, kernOpts...)

	if err := kern.Boot(boot.Magic, boot.BootInfoPhys); err != nil {
		return nil, fmt.Errorf("kern386: boot: %w", err)
	}

	return &System{machine: machine, kern: kern, com1: com1}, nil
}

// Start makes the first transition to user mode. At least one process must
// exist, either from a "program1" module or from RunProgram.
func (s *System) Start() error {
	return s.kern.Start()
}

// RunProgram creates a process from raw code bytes and returns its pid.
func (s *System) RunProgram(code []byte, argv []string) (uint32, error) {
	proc, err := s.kern.RunProgram(code, argv)
	if err != nil {
		return 0, err
	}
	return proc.PID, nil
}

// Step advances the machine by one instruction or interrupt.
func (s *System) Step() error {
	return s.machine.Step()
}

// Run advances the machine by up to steps cycles. It returns nil when the
// budget is exhausted with the machine still runnable.
func (s *System) Run(steps uint64) error {
	return s.machine.Run(steps)
}

// ConsoleOutput returns everything the kernel console has printed.
func (s *System) ConsoleOutput() string {
	return s.kern.Console().Contents()
}

// QueueSerialInput makes bytes readable on COM1.
func (s *System) QueueSerialInput(data []byte) {
	s.com1.QueueInput(data)
}

// UsedPhysicalMemory returns the bytes the frame allocator considers taken.
func (s *System) UsedPhysicalMemory() uint32 {
	return s.kern.UsedPhysicalMemory()
}

// TotalPhysicalMemory returns the available bytes the allocator started with.
func (s *System) TotalPhysicalMemory() uint32 {
	return s.kern.TotalPhysicalMemory()
}

// HeapUsage returns the bytes currently allocated on the kernel heap.
func (s *System) HeapUsage() uint32 {
	return s.kern.HeapUsage()
}

// CurrentPID returns the pid of the running process, or zero when no
// process is current.
func (s *System) CurrentPID() uint32 {
	return s.kern.CurrentPID()
}

// Ticks returns the timer tick count since boot.
func (s *System) Ticks() uint32 {
	return s.kern.Ticks()
}
