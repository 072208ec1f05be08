package kernel

import (
	"github.com/tinyrange/kern386/internal/boot"
)

const idtDescriptors = 256

// IDT gate flags.
const (
	idtGate32Bit = 0x0E
	idtRing3     = 0x60
	idtPresent   = 0x80

	idtFlags = idtPresent | idtGate32Bit
)

// idtGate shadows one guest IDT entry for the machine's privilege checks.
type idtGate struct {
	present  bool
	dpl      uint8
	selector uint16
	base     uint32
}

// idtSetEntry packs one interrupt gate into the IDT in guest memory and
// mirrors it in the shadow table.
func (k *Kernel) idtSetEntry(index int, base uint32, segSel uint16, flags uint8) {
	addr := uint32(boot.IDTPhys + index*8)

	var desc [8]byte
	desc[0] = byte(base)
	desc[1] = byte(base >> 8)
	desc[2] = byte(segSel)
	desc[3] = byte(segSel >> 8)
	desc[4] = 0
	desc[5] = flags
	desc[6] = byte(base >> 16)
	desc[7] = byte(base >> 24)

	if _, err := k.m.WriteAt(desc[:], int64(addr)); err != nil {
		k.panicf("writing IDT entry %d: %v", index, err)
	}

	k.idt[index] = idtGate{
		present:  flags&idtPresent != 0,
		dpl:      (flags >> 5) & 3,
		selector: segSel,
		base:     base,
	}
}

// initIDT builds the interrupt vector: exception gates 0-31, the remapped
// IRQ gates 32-47, the syscall gate (callable from ring 3), and the reserved
// dispatcher gate. Every stub shares the common entry path, so the gate
// target is just the vector's slot in the stub table.
func (k *Kernel) initIDT() {
	k.idtr = pseudoDescriptor{
		limit: idtDescriptors*8 - 1,
		base:  boot.IDTPhys,
	}

	for vector := 0; vector < 48; vector++ {
		k.idtSetEntry(vector, stubAddr(vector), SelKernelCode, idtFlags)
	}
	k.idtSetEntry(SyscallVector, stubAddr(SyscallVector), SelKernelCode, idtFlags|idtRing3)
	k.idtSetEntry(DispatcherVector, stubAddr(DispatcherVector), SelKernelCode, idtFlags)
}

func stubAddr(vector int) uint32 {
	return isrStubBase + uint32(vector)*16
}

// GateDescriptor implements mach.TrapHandler: the presence and privilege of
// a vector's gate, used for INT instruction checks.
func (k *Kernel) GateDescriptor(vector uint8) (bool, uint8) {
	gate := k.idt[vector]
	return gate.present, gate.dpl
}
