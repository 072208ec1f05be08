package kernel

import (
	"encoding/binary"

	"github.com/tinyrange/kern386/internal/boot"
)

// tssSize is the size of the hardware task state segment.
const tssSize = 104

// tssState shadows the single TSS in guest memory. Only ss0/esp0 matter to
// the hardware transition; the rest is set for completeness.
type tssState struct {
	ss0  uint16
	esp0 uint32
}

// writeTSS installs the TSS descriptor in the GDT and initializes the
// segment itself.
func (k *Kernel) writeTSS(num int, ss0 uint16, esp0 uint32) {
	base := uint32(boot.TSSPhys)
	limit := uint32(tssSize)

	// 0xE9: present, DPL 3, available 32-bit TSS.
	k.gdtSetEntry(num, base, limit, 0xE9, 0x00)

	var tss [tssSize]byte
	le := binary.LittleEndian
	le.PutUint32(tss[4:], esp0)           // esp0
	le.PutUint32(tss[8:], uint32(ss0))    // ss0
	le.PutUint32(tss[76:], 0x0B)          // cs: ring-3 code
	le.PutUint32(tss[72:], 0x13)          // es
	le.PutUint32(tss[80:], 0x13)          // ss
	le.PutUint32(tss[84:], 0x13)          // ds
	le.PutUint32(tss[88:], 0x13)          // fs
	le.PutUint32(tss[92:], 0x13)          // gs
	le.PutUint16(tss[102:], tssSize)      // iomap_base: no I/O bitmap
	if _, err := k.m.WriteAt(tss[:], int64(base)); err != nil {
		k.panicf("writing TSS: %v", err)
	}

	k.tss = tssState{ss0: ss0, esp0: esp0}
}

// setKernelStack publishes the kernel stack pointer the CPU loads on a
// ring 3 to ring 0 transition. Called on every scheduler switch.
func (k *Kernel) setKernelStack(stack uint32) {
	k.tss.esp0 = stack

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], stack)
	if _, err := k.m.WriteAt(word[:], int64(boot.TSSPhys+4)); err != nil {
		k.panicf("updating TSS esp0: %v", err)
	}
}

// KernelStack implements mach.TrapHandler: the ss0:esp0 pair the CPU loads
// when an interrupt arrives from ring 3.
func (k *Kernel) KernelStack() (uint16, uint32) {
	return k.tss.ss0, k.tss.esp0
}
