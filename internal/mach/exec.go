package mach

// The instruction interpreter. It covers the small user-mode subset the
// repository's user programs are written in; anything outside it raises #UD
// so a bad program dies with a register dump instead of silently executing
// garbage.

type fault struct {
	vector  uint8
	code    uint32
	hasCode bool
	addr    uint32

	// soft marks an INT imm8 trap; startEIP allows the #GP rollback when
	// the gate refuses the caller.
	soft     bool
	startEIP uint32
}

func pageFaultToFault(pf *PageFault) *fault {
	return &fault{vector: 14, code: pf.Code, hasCode: true, addr: pf.Addr}
}

func undefined() *fault {
	return &fault{vector: 6}
}

func protection(code uint32) *fault {
	return &fault{vector: 13, code: code, hasCode: true}
}

type fetcher struct {
	m    *Machine
	next uint32
	user bool
}

func (f *fetcher) byte() (byte, *fault) {
	phys, pf := f.m.translate(f.next, false, f.user, true)
	if pf != nil {
		return 0, pageFaultToFault(pf)
	}
	b, err := f.m.ReadPhys8(phys)
	if err != nil {
		return 0, pageFaultToFault(&PageFault{Addr: f.next})
	}
	f.next++
	return b, nil
}

func (f *fetcher) u32() (uint32, *fault) {
	var value uint32
	for shift := 0; shift < 32; shift += 8 {
		b, flt := f.byte()
		if flt != nil {
			return 0, flt
		}
		value |= uint32(b) << shift
	}
	return value, nil
}

// execute runs one instruction at CS:EIP. A returned fault leaves EIP at the
// faulting instruction except for soft interrupts, which commit EIP first.
func (m *Machine) execute() *fault {
	cpu := &m.cpu
	user := cpu.CPL() == 3
	start := cpu.EIP
	f := &fetcher{m: m, next: start, user: user}

	op, flt := f.byte()
	if flt != nil {
		return flt
	}

	switch {
	case op == 0x90: // nop

	case op == 0xF4: // hlt
		if user {
			return protection(0)
		}
		cpu.Halted = true

	case op >= 0xB8 && op <= 0xBF: // mov r32, imm32
		imm, flt := f.u32()
		if flt != nil {
			return flt
		}
		cpu.Regs[op-0xB8] = imm

	case op >= 0x40 && op <= 0x47: // inc r32
		reg := op - 0x40
		cpu.Regs[reg]++
		m.setSZ(cpu.Regs[reg])

	case op >= 0x48 && op <= 0x4F: // dec r32
		reg := op - 0x48
		cpu.Regs[reg]--
		m.setSZ(cpu.Regs[reg])

	case op == 0x05: // add eax, imm32
		imm, flt := f.u32()
		if flt != nil {
			return flt
		}
		cpu.Regs[RegEAX] += imm
		m.setSZ(cpu.Regs[RegEAX])

	case op >= 0x50 && op <= 0x57: // push r32
		value := cpu.Regs[op-0x50]
		esp := cpu.Regs[RegESP] - 4
		if err := m.WriteVirt32(esp, value, user); err != nil {
			return memFault(err)
		}
		cpu.Regs[RegESP] = esp

	case op >= 0x58 && op <= 0x5F: // pop r32
		value, err := m.ReadVirt32(cpu.Regs[RegESP], user)
		if err != nil {
			return memFault(err)
		}
		cpu.Regs[RegESP] += 4
		cpu.Regs[op-0x58] = value

	case op == 0x89 || op == 0x8B: // mov r/m32, r32 / mov r32, r/m32
		modrm, flt := f.byte()
		if flt != nil {
			return flt
		}
		reg := int(modrm>>3) & 7
		if modrm>>6 == 3 {
			rm := int(modrm) & 7
			if op == 0x89 {
				cpu.Regs[rm] = cpu.Regs[reg]
			} else {
				cpu.Regs[reg] = cpu.Regs[rm]
			}
			break
		}
		addr, flt := f.memOperand(modrm)
		if flt != nil {
			return flt
		}
		if op == 0x89 {
			if err := m.WriteVirt32(addr, cpu.Regs[reg], user); err != nil {
				return memFault(err)
			}
		} else {
			value, err := m.ReadVirt32(addr, user)
			if err != nil {
				return memFault(err)
			}
			cpu.Regs[reg] = value
		}

	case op == 0x31: // xor r/m32, r32 (register form only)
		modrm, flt := f.byte()
		if flt != nil {
			return flt
		}
		if modrm>>6 != 3 {
			return undefined()
		}
		reg := int(modrm>>3) & 7
		rm := int(modrm) & 7
		cpu.Regs[rm] ^= cpu.Regs[reg]
		cpu.EFLAGS &^= FlagCF | FlagOF
		m.setSZ(cpu.Regs[rm])

	case op == 0x3D: // cmp eax, imm32
		imm, flt := f.u32()
		if flt != nil {
			return flt
		}
		diff := cpu.Regs[RegEAX] - imm
		m.setSZ(diff)
		if cpu.Regs[RegEAX] < imm {
			cpu.EFLAGS |= FlagCF
		} else {
			cpu.EFLAGS &^= FlagCF
		}

	case op == 0xEB: // jmp rel8
		rel, flt := f.byte()
		if flt != nil {
			return flt
		}
		cpu.EIP = f.next + uint32(int32(int8(rel)))
		return nil

	case op == 0xE9: // jmp rel32
		rel, flt := f.u32()
		if flt != nil {
			return flt
		}
		cpu.EIP = f.next + rel
		return nil

	case op == 0x74 || op == 0x75: // jz / jnz rel8
		rel, flt := f.byte()
		if flt != nil {
			return flt
		}
		taken := cpu.EFLAGS&FlagZF != 0
		if op == 0x75 {
			taken = !taken
		}
		cpu.EIP = f.next
		if taken {
			cpu.EIP += uint32(int32(int8(rel)))
		}
		return nil

	case op == 0xCD: // int imm8
		vector, flt := f.byte()
		if flt != nil {
			return flt
		}
		cpu.EIP = f.next
		return &fault{vector: vector, soft: true, startEIP: start}

	default:
		return undefined()
	}

	cpu.EIP = f.next
	return nil
}

// memOperand decodes the addressing forms the subset supports: [disp32],
// [reg], [reg+disp8] and [reg+disp32]. SIB forms raise #UD.
func (f *fetcher) memOperand(modrm byte) (uint32, *fault) {
	mod := modrm >> 6
	rm := int(modrm) & 7

	if rm == 4 {
		return 0, undefined()
	}
	if mod == 0 && rm == 5 {
		return f.u32()
	}

	addr := f.m.cpu.Regs[rm]
	switch mod {
	case 1:
		disp, flt := f.byte()
		if flt != nil {
			return 0, flt
		}
		addr += uint32(int32(int8(disp)))
	case 2:
		disp, flt := f.u32()
		if flt != nil {
			return 0, flt
		}
		addr += disp
	}
	return addr, nil
}

func (m *Machine) setSZ(value uint32) {
	if value == 0 {
		m.cpu.EFLAGS |= FlagZF
	} else {
		m.cpu.EFLAGS &^= FlagZF
	}
	if value&(1<<31) != 0 {
		m.cpu.EFLAGS |= FlagSF
	} else {
		m.cpu.EFLAGS &^= FlagSF
	}
}

func memFault(err error) *fault {
	if pf, ok := err.(*PageFault); ok {
		return pageFaultToFault(pf)
	}
	// A bus error from a wild but mapped address; report it as #GP.
	return protection(0)
}
