package kernel

import (
	"github.com/tinyrange/kern386/internal/debug"
	"github.com/tinyrange/kern386/internal/mach"
)

// ISR is an interrupt service routine. Handlers receive the saved register
// frame and may modify it; changes are written back before the iret.
type ISR func(*Registers)

// Registers is the frame the common stub builds on the kernel stack, lowest
// address first: the four saved segment registers, the PUSHAD image, the
// error code and vector pushed by the stub, and the iret frame pushed by the
// CPU on the ring transition.
type Registers struct {
	GS, FS, ES, DS uint32

	EDI, ESI, EBP, KernESP, EBX, EDX, ECX, EAX uint32

	IntNo, ErrCode uint32

	EIP, CS, EFLAGS, UserESP, SS uint32
}

const registersWords = 19

var exceptionMessages = [32]string{
	"Division By Zero", "Debug", "Non Maskable Interrupt", "Breakpoint",
	"Overflow", "BOUND Range Exceeded", "Invalid Opcode",
	"Device Not Available (No Math Coprocessor)",
	"Double Fault", "Coprocessor Segment Overrun", "Invalid TSS",
	"Segment Not Present", "Stack-Segment Fault", "General Protection",
	"Page Fault", "Unknown Interrupt (intel reserved)",
	"x87 FPU Floating-Point Error (Math Fault)", "Alignment Check",
	"Machine Check", "SIMD Floating-Point Exception",
	"Virtualization Exception", "Reserved", "Reserved", "Reserved",
	"Reserved", "Reserved", "Reserved", "Reserved", "Reserved", "Reserved",
	"Reserved", "Reserved",
}

// isrRegister installs a handler for the given vector.
func (k *Kernel) isrRegister(num int, handler ISR) {
	k.handlers[num] = handler
}

// Trap implements mach.TrapHandler. It runs the common stub's entry half
// (error-code placeholder, vector, PUSHAD image, segment registers), calls
// the dispatcher, and returns through the shared irq_handler_end path. The
// FPU scratch save/restore brackets the whole kernel visit.
func (k *Kernel) Trap(vector uint8, errCode uint32, hasErrCode bool) {
	_ = k.catch(func() {
		k.trapEntry(vector, errCode, hasErrCode)
	})
}

func (k *Kernel) trapEntry(vector uint8, errCode uint32, hasErrCode bool) {
	m := k.m
	cpu := m.CPU()

	k.fpu.KernelEnter()

	// Stub half: vectors without a CPU error code get a zero placeholder.
	if !hasErrCode {
		k.push(0)
	}
	k.push(uint32(vector))
	if err := m.Pushad(); err != nil {
		k.panicf("trap pushad failed: %v", err)
	}
	k.push(uint32(cpu.DS))
	k.push(uint32(cpu.ES))
	k.push(uint32(cpu.FS))
	k.push(uint32(cpu.GS))

	frameAddr := cpu.Regs[mach.RegESP]
	regs := k.readRegisters(frameAddr)

	debug.Writef("kern.trap", "vector=%d err=0x%x eip=0x%08x pid=%d",
		vector, errCode, regs.EIP, k.CurrentPID())

	k.dispatchInterrupt(&regs)

	// The dispatcher may have switched kernel stacks; the frame write-back
	// targets the stack the interrupt arrived on, while the return path
	// unwinds whatever stack is now current.
	k.writeRegisters(frameAddr, &regs)
	k.irqHandlerEnd()

	k.fpu.KernelExit()
}

// dispatchInterrupt is the C-level dispatcher the stubs call into.
func (k *Kernel) dispatchInterrupt(regs *Registers) {
	vector := regs.IntNo

	if vector >= 32 && vector < 48 {
		if handler := k.handlers[vector]; handler != nil {
			handler(regs)
		}
		k.picEOI(uint8(vector))
		return
	}

	if vector < 32 {
		if handler := k.handlers[vector]; handler != nil {
			handler(regs)
			return
		}
		k.console.Printf("EXCEPTION: %s\n", exceptionMessages[vector])
		k.printRegisters(regs)
		k.hangException(exceptionMessages[vector])
	}

	if handler := k.handlers[vector]; handler != nil {
		handler(regs)
	}
}

// irqHandlerEnd is the stub's shared return path: restore segments, the
// PUSHAD image, drop the vector and error code, and iret. Synthesized
// process frames name this label as their return address.
func (k *Kernel) irqHandlerEnd() {
	m := k.m
	cpu := m.CPU()

	cpu.GS = uint16(k.pop())
	cpu.FS = uint16(k.pop())
	cpu.ES = uint16(k.pop())
	cpu.DS = uint16(k.pop())
	if err := m.Popad(); err != nil {
		k.panicf("trap popad failed: %v", err)
	}
	cpu.Regs[mach.RegESP] += 8 // vector + error code

	if err := m.IRet(); err != nil {
		k.panicf("iret failed: %v", err)
	}
}

func (k *Kernel) readRegisters(frameAddr uint32) Registers {
	var words [registersWords]uint32
	for i := range words {
		words[i] = k.readV32(frameAddr + uint32(i)*4)
	}
	return Registers{
		GS: words[0], FS: words[1], ES: words[2], DS: words[3],
		EDI: words[4], ESI: words[5], EBP: words[6], KernESP: words[7],
		EBX: words[8], EDX: words[9], ECX: words[10], EAX: words[11],
		IntNo: words[12], ErrCode: words[13],
		EIP: words[14], CS: words[15], EFLAGS: words[16],
		UserESP: words[17], SS: words[18],
	}
}

func (k *Kernel) writeRegisters(frameAddr uint32, regs *Registers) {
	words := [registersWords]uint32{
		regs.GS, regs.FS, regs.ES, regs.DS,
		regs.EDI, regs.ESI, regs.EBP, regs.KernESP,
		regs.EBX, regs.EDX, regs.ECX, regs.EAX,
		regs.IntNo, regs.ErrCode,
		regs.EIP, regs.CS, regs.EFLAGS, regs.UserESP, regs.SS,
	}
	for i, word := range words {
		k.writeV32(frameAddr+uint32(i)*4, word)
	}
}

func (k *Kernel) printRegisters(regs *Registers) {
	k.console.Printf("REGISTERS:\n")
	k.console.Printf("err_code=%d\n", regs.ErrCode)
	k.console.Printf("eax=0x%x, ebx=0x%x, ecx=0x%x, edx=0x%x\n",
		regs.EAX, regs.EBX, regs.ECX, regs.EDX)
	k.console.Printf("edi=0x%x, esi=0x%x, ebp=0x%x, esp=0x%x\n",
		regs.EDI, regs.ESI, regs.EBP, regs.KernESP)
	k.console.Printf("eip=0x%x, cs=0x%x, ss=0x%x, eflags=0x%x, useresp=0x%x\n\n\n",
		regs.EIP, regs.CS, regs.SS, regs.EFLAGS, regs.UserESP)
}
