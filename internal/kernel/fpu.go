package kernel

import "github.com/tinyrange/kern386/internal/mach"

// FPU manages floating point and SSE context. A single 512-byte scratch
// buffer holds the state of whichever process was just interrupted; the real
// FXSAVE/FXRSTOR against the scratch happens at kernel entry and exit, and a
// process switch exchanges the scratch with the process records.
type FPU struct {
	k *Kernel

	scratch [512]byte
}

// initFPU enables the FPU and SSE and hooks the SIMD exception vector.
func (k *Kernel) initFPU() {
	cpu := k.m.CPU()

	cpu.CR0 &^= mach.CR0EM
	cpu.CR0 |= mach.CR0MP
	cpu.CR4 |= mach.CR4OSFXSR | mach.CR4OSXMMEXCPT
	cpu.FNInit()

	k.isrRegister(19, k.fpu.exception)
}

// KernelEnter saves the interrupted context's FPU state into the scratch and
// reinitializes the FPU for kernel use.
func (f *FPU) KernelEnter() {
	cpu := f.k.m.CPU()
	copy(f.scratch[:], cpu.FX[:])
	cpu.FNInit()
}

// KernelExit restores the scratch into the FPU before returning to user
// mode. After a process switch the scratch already holds the incoming
// process's state.
func (f *FPU) KernelExit() {
	cpu := f.k.m.CPU()
	copy(cpu.FX[:], f.scratch[:])
}

// Switch exchanges the scratch with the process records: the outgoing
// process keeps what the entry FXSAVE captured, the incoming process's state
// will be loaded by the exit FXRSTOR.
func (f *FPU) Switch(old, next *Process) {
	if old != nil {
		copy(old.FPUState[:], f.scratch[:])
	}
	if next != nil {
		copy(f.scratch[:], next.FPUState[:])
	}
}

// exception handles vector 19. The exception state is cleared before
// resuming, so the faulting process continues with a clean FPU rather than
// re-entering the handler.
func (f *FPU) exception(regs *Registers) {
	f.k.console.Printf("An FPU exception occurred\n")
	f.k.m.CPU().FNInit()
}
