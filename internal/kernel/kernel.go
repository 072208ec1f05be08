// Package kernel implements the operating system core: descriptor tables,
// interrupt plumbing, the physical and virtual memory managers, the kernel
// heap, and the process/scheduler/syscall layer. All of it operates on the
// simulated machine exactly the way the real kernel operates real hardware:
// descriptors and page tables live in guest memory with their architectural
// layouts, and every context switch flows through byte-exact trap frames on
// guest kernel stacks.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/kern386/internal/boot"
	"github.com/tinyrange/kern386/internal/mach"
)

// Kernel virtual memory layout.
const (
	KernelBaseVirt  = 0xC0000000
	KernelEndMap    = KernelBaseVirt + 0x800000 // extent of the bootstrap mapping
	KernelHeapBegin = 0xD0000000
	KernelHeapSize  = 0x400000

	UserCodeBase = 0x00001000
	UserStackTop = 0xC0000000
)

// Synthetic addresses of the interrupt stubs inside the kernel image. The
// common stub's return label is what context switches push as their return
// address.
const (
	isrStubBase       = 0xC0105000
	irqHandlerEndAddr = 0xC0106000
)

var (
	// ErrPanic is wrapped by every unrecoverable kernel error.
	ErrPanic = errors.New("kernel panic")

	// ErrException is wrapped when a CPU exception is terminal.
	ErrException = errors.New("unhandled cpu exception")

	// ErrNoProcess carries the text of the kernel panic raised when user mode
	// is entered with no process; Start reports that case wrapped in ErrPanic,
	// not in ErrNoProcess.
	ErrNoProcess = errors.New("no process to run")
)

// Kernel owns every subsystem. There is exactly one instance per machine and
// it is never re-entered: interrupts are the only way in and the iret path
// the only way out, so no locking is needed on kernel data.
type Kernel struct {
	m   *mach.Machine
	log *slog.Logger

	console *Console

	gdtr   pseudoDescriptor
	idtr   pseudoDescriptor
	idt    [256]idtGate
	tss    tssState
	timer  Timer
	fpu    FPU
	serial Serial
	pmm    PMM
	paging Paging
	heap   Heap

	handlers [256]ISR
	syscalls [256]ISR

	sched        Scheduler
	current      *Process
	nextPID      uint32
	procTempPage uint32

	timerHz     uint32
	framebuffer *boot.Framebuffer

	booted bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the host-side diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(k *Kernel) {
		if log != nil {
			k.log = log
		}
	}
}

// WithConsoleWriter mirrors kernel console output to w.
func WithConsoleWriter(w io.Writer) Option {
	return func(k *Kernel) {
		k.console.sink = w
	}
}

// WithTimerFrequency overrides the scheduler tick frequency in Hz.
func WithTimerFrequency(hz uint32) Option {
	return func(k *Kernel) {
		if hz > 0 {
			k.timerHz = hz
		}
	}
}

// New creates a kernel for the given machine. Nothing is touched until Boot.
func New(m *mach.Machine, opts ...Option) *Kernel {
	k := &Kernel{
		m:       m,
		log:     slog.Default(),
		console: newConsole(),
		nextPID: 1,
		timerHz: DefaultTimerFrequency,
	}
	k.timer.k = k
	k.fpu.k = k
	k.serial.k = k
	k.pmm.k = k
	k.paging.k = k
	k.heap.k = k
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Machine returns the underlying machine.
func (k *Kernel) Machine() *mach.Machine {
	return k.m
}

// Console returns the kernel console.
func (k *Kernel) Console() *Console {
	return k.console
}

// Boot brings the kernel up in dependency order and loads the initial user
// processes from the boot modules. It does not enter user mode; see Start.
func (k *Kernel) Boot(magic uint32, infoAddr uint32) error {
	return k.catch(func() {
		if magic != boot.Magic {
			k.console.Errorf("bad multiboot2 magic 0x%08x, expected 0x%08x", magic, boot.Magic)
			k.log.Warn("bad multiboot2 magic", "magic", magic)
		}
		info := boot.NewInfo(k.m, infoAddr)

		k.initGDT()
		k.initIDT()
		k.m.SetTrapHandler(k)
		k.initPIC()
		k.initTimer(k.timerHz)
		k.initSerial()
		k.initFPU()
		k.initPMM(info)
		k.initPaging(info)
		k.initSyscall()
		k.initProc()

		if fb, err := info.Framebuffer(); err == nil && fb != nil {
			k.framebuffer = fb
			k.console.setFramebuffer(fb)
		}

		k.loadModules(info)

		// Idle until the first transition to user mode.
		k.m.CPU().Halted = true
		k.booted = true
	})
}

// Start performs the first transition to user mode. The machine's Run loop
// then executes the current process until the next interrupt.
func (k *Kernel) Start() error {
	return k.catch(func() {
		k.EnterUsermode()
	})
}

// RunProgram creates a process from raw code bytes, like a boot module would.
func (k *Kernel) RunProgram(code []byte, argv []string) (proc *Process, err error) {
	err = k.catch(func() {
		proc = k.RunCode(code, argv)
	})
	return proc, err
}

// loadModules starts a process for every boot module named "program1".
func (k *Kernel) loadModules(info *boot.Info) {
	modules, err := info.Modules()
	if err != nil {
		k.panicf("reading boot modules: %v", err)
	}
	for _, mod := range modules {
		if mod.Name != "program1" {
			continue
		}
		code := make([]byte, mod.End-mod.Start)
		if _, err := k.m.ReadAt(code, int64(mod.Start)); err != nil {
			k.panicf("reading module %q: %v", mod.Name, err)
		}
		proc := k.RunCode(code, []string{mod.Name})
		k.console.Infof("loaded module %q as pid %d", mod.Name, proc.PID)
	}
}

// UsedPhysicalMemory returns the bytes the frame allocator considers taken.
func (k *Kernel) UsedPhysicalMemory() uint32 {
	return k.pmm.UsedMemory()
}

// TotalPhysicalMemory returns the available bytes the allocator started with.
func (k *Kernel) TotalPhysicalMemory() uint32 {
	return k.pmm.TotalMemory()
}

// HeapUsage returns the bytes currently allocated on the kernel heap.
func (k *Kernel) HeapUsage() uint32 {
	return k.heap.MemoryUsage()
}

// CurrentPID returns the pid of the running process, or zero outside the
// enter-usermode/exit window.
func (k *Kernel) CurrentPID() uint32 {
	if k.current != nil {
		return k.current.PID
	}
	return 0
}

// Ticks returns the timer tick count since boot.
func (k *Kernel) Ticks() uint32 {
	return k.timer.Tick()
}

// kernelAbort carries a panic out of the failing subsystem to the nearest
// entry-point boundary; the machine has already been halted.
type kernelAbort struct {
	err error
}

// panicf is the kernel's abort: print a one-line diagnostic, halt the
// machine, and unwind. It never returns.
func (k *Kernel) panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	k.console.Errorf("%s", msg)
	k.log.Error("kernel panic", "msg", msg)
	err := fmt.Errorf("%w: %s", ErrPanic, msg)
	k.m.Fatal(err)
	panic(kernelAbort{err: err})
}

// hangException is panicf's twin for terminal CPU exceptions.
func (k *Kernel) hangException(name string) {
	err := fmt.Errorf("%w: %s", ErrException, name)
	k.m.Fatal(err)
	panic(kernelAbort{err: err})
}

// catch converts a kernel abort into an error at an entry-point boundary.
func (k *Kernel) catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			abort, ok := r.(kernelAbort)
			if !ok {
				panic(r)
			}
			err = abort.err
		}
	}()
	fn()
	return nil
}

// readV32 reads a kernel virtual 32-bit word, aborting on a bad mapping.
func (k *Kernel) readV32(virt uint32) uint32 {
	value, err := k.m.ReadVirt32(virt, false)
	if err != nil {
		k.panicf("kernel read of 0x%08x failed: %v", virt, err)
	}
	return value
}

// writeV32 writes a kernel virtual 32-bit word, aborting on a bad mapping.
func (k *Kernel) writeV32(virt, value uint32) {
	if err := k.m.WriteVirt32(virt, value, false); err != nil {
		k.panicf("kernel write of 0x%08x failed: %v", virt, err)
	}
}

// readV reads kernel virtual memory, aborting on a bad mapping.
func (k *Kernel) readV(virt uint32, buf []byte) {
	if err := k.m.ReadVirt(virt, buf, false); err != nil {
		k.panicf("kernel read of 0x%08x failed: %v", virt, err)
	}
}

// writeV writes kernel virtual memory, aborting on a bad mapping.
func (k *Kernel) writeV(virt uint32, data []byte) {
	if err := k.m.WriteVirt(virt, data, false); err != nil {
		k.panicf("kernel write of 0x%08x failed: %v", virt, err)
	}
}

// push pushes one word onto the machine stack, aborting on a bad mapping.
func (k *Kernel) push(value uint32) {
	if err := k.m.Push32(value); err != nil {
		k.panicf("kernel stack push failed: %v", err)
	}
}

// pop pops one word from the machine stack, aborting on a bad mapping.
func (k *Kernel) pop() uint32 {
	value, err := k.m.Pop32()
	if err != nil {
		k.panicf("kernel stack pop failed: %v", err)
	}
	return value
}
