package mach

import (
	"fmt"

	"github.com/tinyrange/kern386/internal/debug"
)

// deliver runs the hardware half of interrupt delivery: the ring transition
// through TSS.esp0, the iret frame push, and the IF clear. The kernel's
// TrapHandler then runs the stub and dispatch half and returns through iret.
func (m *Machine) deliver(vector uint8, code uint32, hasCode bool) {
	if m.trap == nil {
		m.Fatal(ErrNoTrapHandler)
		return
	}
	present, _ := m.trap.GateDescriptor(vector)
	if !present {
		m.Fatal(fmt.Errorf("vector 0x%02x has no gate: %w", vector, ErrTripleFault))
		return
	}

	cpu := &m.cpu
	oldCS := cpu.CS
	oldFlags := cpu.EFLAGS

	if cpu.CPL() == 3 {
		ss0, esp0 := m.trap.KernelStack()
		oldSS, oldESP := cpu.SS, cpu.Regs[RegESP]
		cpu.SS = ss0
		cpu.Regs[RegESP] = esp0
		if err := m.Push32(uint32(oldSS)); err != nil {
			m.Fatal(fmt.Errorf("push ss: %w: %w", err, ErrTripleFault))
			return
		}
		if err := m.Push32(oldESP); err != nil {
			m.Fatal(fmt.Errorf("push esp: %w: %w", err, ErrTripleFault))
			return
		}
	}

	for _, word := range []uint32{oldFlags, uint32(oldCS), cpu.EIP} {
		if err := m.Push32(word); err != nil {
			m.Fatal(fmt.Errorf("push frame: %w: %w", err, ErrTripleFault))
			return
		}
	}
	if hasCode {
		if err := m.Push32(code); err != nil {
			m.Fatal(fmt.Errorf("push error code: %w: %w", err, ErrTripleFault))
			return
		}
	}

	// Interrupt gates clear IF; the CPU resumes from halt.
	cpu.EFLAGS &^= FlagIF
	cpu.CS = 0x08
	cpu.Halted = false

	debug.Writef("mach.trap", "enter vector=0x%02x code=0x%x esp=0x%08x",
		vector, code, cpu.Regs[RegESP])
	m.trap.Trap(vector, code, hasCode)
}

// IRet pops an interrupt frame and resumes the interrupted context. When the
// frame's CS has RPL 3 the stack switch back to user mode is included.
func (m *Machine) IRet() error {
	cpu := &m.cpu

	eip, err := m.Pop32()
	if err != nil {
		return fmt.Errorf("iret: %w", err)
	}
	cs, err := m.Pop32()
	if err != nil {
		return fmt.Errorf("iret: %w", err)
	}
	flags, err := m.Pop32()
	if err != nil {
		return fmt.Errorf("iret: %w", err)
	}

	if cs&3 == 3 {
		esp, err := m.Pop32()
		if err != nil {
			return fmt.Errorf("iret: %w", err)
		}
		ss, err := m.Pop32()
		if err != nil {
			return fmt.Errorf("iret: %w", err)
		}
		cpu.Regs[RegESP] = esp
		cpu.SS = uint16(ss)
	}

	cpu.EIP = eip
	cpu.CS = uint16(cs)
	cpu.EFLAGS = flags | FlagReserved
	cpu.Halted = false

	debug.Writef("mach.trap", "iret cs=0x%02x eip=0x%08x eflags=0x%x", cs, eip, flags)
	return nil
}
