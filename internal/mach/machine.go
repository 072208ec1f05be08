// Package mach models the machine the kernel runs on: one 32-bit x86 CPU,
// flat guest RAM, an I/O port bus, a paging MMU with a TLB, and the interrupt
// delivery path from the PIC through the IDT. The CPU only ever executes
// ring-3 code; kernel code runs on the host and manipulates this state the
// way the real kernel manipulates real hardware.
package mach

import (
	"fmt"
	"io"

	"github.com/tinyrange/kern386/internal/chipset"
	"github.com/tinyrange/kern386/internal/debug"
)

// PageSize is the size of a page and of a physical frame.
const PageSize = 0x1000

// InterruptController is the CPU-facing side of the PIC: the INTR line and
// the INTA cycle.
type InterruptController interface {
	InterruptPending() bool
	Acknowledge() (bool, uint8)
}

// TrapHandler is implemented by the kernel. GateDescriptor exposes the IDT
// gate for privilege checks, KernelStack the TSS ss0:esp0 pair, and Trap runs
// the kernel's interrupt path: stub pushes, dispatch, and the iret return.
type TrapHandler interface {
	GateDescriptor(vector uint8) (present bool, dpl uint8)
	KernelStack() (ss0 uint16, esp0 uint32)
	Trap(vector uint8, errCode uint32, hasErrCode bool)
}

// Machine is the complete simulated computer.
type Machine struct {
	cpu CPU
	ram []byte

	chip *chipset.Chipset
	intc InterruptController
	trap TrapHandler

	tlb map[uint32]tlbEntry

	steps uint64
	fatal error
}

// New builds a machine with memSize bytes of RAM and the given chipset.
func New(memSize uint32, chip *chipset.Chipset) *Machine {
	if chip == nil {
		chip = chipset.New()
	}
	return &Machine{
		ram:  make([]byte, memSize),
		chip: chip,
		tlb:  make(map[uint32]tlbEntry),
	}
}

// CPU returns the architectural CPU state.
func (m *Machine) CPU() *CPU {
	return &m.cpu
}

// Chipset returns the I/O port bus.
func (m *Machine) Chipset() *chipset.Chipset {
	return m.chip
}

// MemorySize returns the amount of guest RAM in bytes.
func (m *Machine) MemorySize() uint32 {
	return uint32(len(m.ram))
}

// Steps returns the number of executed machine steps.
func (m *Machine) Steps() uint64 {
	return m.steps
}

// SetInterruptController wires the PIC's INTR output to the CPU.
func (m *Machine) SetInterruptController(intc InterruptController) {
	m.intc = intc
}

// SetTrapHandler installs the kernel's interrupt entry path.
func (m *Machine) SetTrapHandler(handler TrapHandler) {
	m.trap = handler
}

// Fatal records a terminal condition. The machine halts: every subsequent
// Step returns err.
func (m *Machine) Fatal(err error) {
	if m.fatal == nil {
		m.fatal = err
	}
	m.cpu.Halted = true
	m.cpu.EFLAGS &^= FlagIF
}

// FatalError returns the recorded terminal condition, if any.
func (m *Machine) FatalError() error {
	return m.fatal
}

// ReadAt implements io.ReaderAt over guest physical memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.ram)) {
		return 0, fmt.Errorf("read at 0x%x: %w", off, ErrBusError)
	}
	n := copy(p, m.ram[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.ram)) {
		return 0, fmt.Errorf("write at 0x%x: %w", off, ErrBusError)
	}
	return copy(m.ram[off:], p), nil
}

// ReadPhys8 reads one byte of physical memory.
func (m *Machine) ReadPhys8(addr uint32) (byte, error) {
	if addr >= uint32(len(m.ram)) {
		return 0, fmt.Errorf("read at 0x%08x: %w", addr, ErrBusError)
	}
	return m.ram[addr], nil
}

// WritePhys8 writes one byte of physical memory.
func (m *Machine) WritePhys8(addr uint32, value byte) error {
	if addr >= uint32(len(m.ram)) {
		return fmt.Errorf("write at 0x%08x: %w", addr, ErrBusError)
	}
	m.ram[addr] = value
	return nil
}

// ReadPhys32 reads a little-endian 32-bit word of physical memory.
func (m *Machine) ReadPhys32(addr uint32) (uint32, error) {
	if addr+4 > uint32(len(m.ram)) || addr+4 < addr {
		return 0, fmt.Errorf("read at 0x%08x: %w", addr, ErrBusError)
	}
	b := m.ram[addr:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// WritePhys32 writes a little-endian 32-bit word of physical memory.
func (m *Machine) WritePhys32(addr uint32, value uint32) error {
	if addr+4 > uint32(len(m.ram)) || addr+4 < addr {
		return fmt.Errorf("write at 0x%08x: %w", addr, ErrBusError)
	}
	b := m.ram[addr:]
	b[0] = byte(value)
	b[1] = byte(value >> 8)
	b[2] = byte(value >> 16)
	b[3] = byte(value >> 24)
	return nil
}

// Outb writes one byte to an I/O port.
func (m *Machine) Outb(port uint16, value byte) error {
	return m.chip.HandlePIO(port, []byte{value}, true)
}

// Inb reads one byte from an I/O port.
func (m *Machine) Inb(port uint16) (byte, error) {
	var data [1]byte
	if err := m.chip.HandlePIO(port, data[:], false); err != nil {
		return 0, err
	}
	return data[0], nil
}

// Push32 pushes a 32-bit word onto the stack at SS:ESP with supervisor
// rights.
func (m *Machine) Push32(value uint32) error {
	esp := m.cpu.Regs[RegESP] - 4
	if err := m.WriteVirt32(esp, value, false); err != nil {
		return err
	}
	m.cpu.Regs[RegESP] = esp
	return nil
}

// Pop32 pops a 32-bit word from the stack at SS:ESP with supervisor rights.
func (m *Machine) Pop32() (uint32, error) {
	value, err := m.ReadVirt32(m.cpu.Regs[RegESP], false)
	if err != nil {
		return 0, err
	}
	m.cpu.Regs[RegESP] += 4
	return value, nil
}

// Pushad pushes the eight general registers in PUSHAD order. The stored ESP
// is the value before the first push, as the hardware instruction does.
func (m *Machine) Pushad() error {
	orig := m.cpu.Regs[RegESP]
	for _, reg := range []int{RegEAX, RegECX, RegEDX, RegEBX} {
		if err := m.Push32(m.cpu.Regs[reg]); err != nil {
			return err
		}
	}
	if err := m.Push32(orig); err != nil {
		return err
	}
	for _, reg := range []int{RegEBP, RegESI, RegEDI} {
		if err := m.Push32(m.cpu.Regs[reg]); err != nil {
			return err
		}
	}
	return nil
}

// Popad pops the eight general registers; the saved ESP image is discarded,
// as the hardware instruction does.
func (m *Machine) Popad() error {
	for _, reg := range []int{RegEDI, RegESI, RegEBP} {
		v, err := m.Pop32()
		if err != nil {
			return err
		}
		m.cpu.Regs[reg] = v
	}
	if _, err := m.Pop32(); err != nil { // skipped ESP image
		return err
	}
	for _, reg := range []int{RegEBX, RegEDX, RegECX, RegEAX} {
		v, err := m.Pop32()
		if err != nil {
			return err
		}
		m.cpu.Regs[reg] = v
	}
	return nil
}

// Step advances the machine by one cycle: deliver one pending interrupt if
// the CPU will take it, otherwise execute one instruction, then clock the
// chipset.
func (m *Machine) Step() error {
	if m.fatal != nil {
		return m.fatal
	}
	cpu := &m.cpu

	if cpu.EFLAGS&FlagIF != 0 && m.intc != nil && m.intc.InterruptPending() {
		if ok, vec := m.intc.Acknowledge(); ok {
			debug.Writef("mach.irq", "vector=0x%02x eip=0x%08x", vec, cpu.EIP)
			m.deliver(vec, 0, false)
		}
	} else if !cpu.Halted {
		if f := m.execute(); f != nil {
			m.handleFault(f)
		}
	}

	m.chip.Advance(1)
	m.steps++

	if m.fatal != nil {
		return m.fatal
	}
	if cpu.Halted && cpu.EFLAGS&FlagIF == 0 {
		return ErrHalted
	}
	return nil
}

// Run executes up to steps machine cycles. It returns nil when the budget is
// exhausted and the machine is still runnable.
func (m *Machine) Run(steps uint64) error {
	for i := uint64(0); i < steps; i++ {
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) handleFault(f *fault) {
	cpu := &m.cpu
	if f.soft {
		present, dpl := false, uint8(0)
		if m.trap != nil {
			present, dpl = m.trap.GateDescriptor(f.vector)
		}
		if !present || dpl < cpu.CPL() {
			// INT to a gate the caller may not use is a #GP with the
			// vector in the selector-style error code.
			cpu.EIP = f.startEIP
			m.deliver(13, uint32(f.vector)*8+2, true)
			return
		}
		m.deliver(f.vector, 0, false)
		return
	}
	debug.Writef("mach.fault", "vector=%d code=0x%x eip=0x%08x addr=0x%08x",
		f.vector, f.code, cpu.EIP, f.addr)
	if f.vector == 14 {
		cpu.CR2 = f.addr
	}
	m.deliver(f.vector, f.code, f.hasCode)
}
