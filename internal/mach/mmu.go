package mach

import "fmt"

// Page table entry bits shared by directory and table entries.
const (
	PtePresent = 1 << 0
	PteWrite   = 1 << 1
	PteUser    = 1 << 2

	PteFrameMask = 0xFFFFF000
)

// Page fault error code bits.
const (
	FaultPresent = 1 << 0
	FaultWrite   = 1 << 1
	FaultUser    = 1 << 2
	FaultRsvd    = 1 << 3
	FaultFetch   = 1 << 4
)

// PageFault describes a failed address translation.
type PageFault struct {
	Addr uint32
	Code uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at 0x%08x (code 0x%x)", f.Addr, f.Code)
}

type tlbEntry struct {
	frame uint32
	flags uint32
}

// SetCR3 loads a new page directory base and flushes the TLB, as a mov to
// CR3 does.
func (m *Machine) SetCR3(dirPhys uint32) {
	m.cpu.CR3 = dirPhys
	m.tlb = make(map[uint32]tlbEntry)
}

// EnablePaging sets CR0.PG. The caller must have loaded CR3 first.
func (m *Machine) EnablePaging() {
	m.cpu.CR0 |= CR0PG | CR0PE
	m.tlb = make(map[uint32]tlbEntry)
}

// PagingEnabled reports whether address translation is active.
func (m *Machine) PagingEnabled() bool {
	return m.cpu.CR0&CR0PG != 0
}

// InvalidatePage drops the TLB entry covering virt, as invlpg does.
func (m *Machine) InvalidatePage(virt uint32) {
	delete(m.tlb, virt>>12)
}

// FlushTLB drops every TLB entry by reloading CR3 with its current value.
func (m *Machine) FlushTLB() {
	m.SetCR3(m.cpu.CR3)
}

// translate resolves a virtual address to a physical one. Cached TLB entries
// are used without consulting the page tables, so a mapping change without
// an invlpg is observably stale, exactly as on hardware.
func (m *Machine) translate(virt uint32, write, user, fetch bool) (uint32, *PageFault) {
	if !m.PagingEnabled() {
		return virt, nil
	}

	page := virt >> 12
	entry, cached := m.tlb[page]
	if !cached {
		var pf *PageFault
		entry, pf = m.walk(virt, write, user, fetch)
		if pf != nil {
			return 0, pf
		}
		m.tlb[page] = entry
	}

	if pf := checkAccess(entry.flags, virt, write, user, fetch, true); pf != nil {
		return 0, pf
	}
	return entry.frame | (virt & 0xFFF), nil
}

func (m *Machine) walk(virt uint32, write, user, fetch bool) (tlbEntry, *PageFault) {
	notPresent := &PageFault{Addr: virt, Code: faultCode(virt, write, user, fetch, false)}

	dirIndex := virt >> 22
	tableIndex := (virt >> 12) & 0x3FF

	pde, err := m.ReadPhys32(m.cpu.CR3&PteFrameMask + dirIndex*4)
	if err != nil || pde&PtePresent == 0 {
		return tlbEntry{}, notPresent
	}
	pte, err := m.ReadPhys32(pde&PteFrameMask + tableIndex*4)
	if err != nil || pte&PtePresent == 0 {
		return tlbEntry{}, notPresent
	}

	// Effective permissions combine both levels.
	flags := PtePresent | (pde & pte & (PteWrite | PteUser))
	return tlbEntry{frame: pte & PteFrameMask, flags: flags}, nil
}

func checkAccess(flags, virt uint32, write, user, fetch, present bool) *PageFault {
	// Supervisor accesses ignore both the user and write bits (CR0.WP is
	// not set by this kernel).
	if !user {
		return nil
	}
	if flags&PteUser == 0 || (write && flags&PteWrite == 0) {
		return &PageFault{Addr: virt, Code: faultCode(virt, write, user, fetch, present)}
	}
	return nil
}

func faultCode(_ uint32, write, user, fetch, present bool) uint32 {
	code := uint32(0)
	if present {
		code |= FaultPresent
	}
	if write {
		code |= FaultWrite
	}
	if user {
		code |= FaultUser
	}
	if fetch {
		code |= FaultFetch
	}
	return code
}

// TranslateVirt resolves virt with supervisor read rights and reports 0 when
// the address is unmapped. It does not fill the TLB.
func (m *Machine) TranslateVirt(virt uint32) uint32 {
	if !m.PagingEnabled() {
		return virt
	}
	entry, pf := m.walk(virt, false, false, false)
	if pf != nil {
		return 0
	}
	return entry.frame | (virt & 0xFFF)
}

// ReadVirt reads len(buf) bytes from virtual memory.
func (m *Machine) ReadVirt(virt uint32, buf []byte, user bool) error {
	for len(buf) > 0 {
		phys, pf := m.translate(virt, false, user, false)
		if pf != nil {
			return pf
		}
		chunk := PageSize - int(virt&0xFFF)
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if _, err := m.ReadAt(buf[:chunk], int64(phys)); err != nil {
			return err
		}
		buf = buf[chunk:]
		virt += uint32(chunk)
	}
	return nil
}

// WriteVirt writes data to virtual memory.
func (m *Machine) WriteVirt(virt uint32, data []byte, user bool) error {
	for len(data) > 0 {
		phys, pf := m.translate(virt, true, user, false)
		if pf != nil {
			return pf
		}
		chunk := PageSize - int(virt&0xFFF)
		if chunk > len(data) {
			chunk = len(data)
		}
		if _, err := m.WriteAt(data[:chunk], int64(phys)); err != nil {
			return err
		}
		data = data[chunk:]
		virt += uint32(chunk)
	}
	return nil
}

// ReadVirt8 reads one byte of virtual memory.
func (m *Machine) ReadVirt8(virt uint32, user bool) (byte, error) {
	var buf [1]byte
	if err := m.ReadVirt(virt, buf[:], user); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteVirt8 writes one byte of virtual memory.
func (m *Machine) WriteVirt8(virt uint32, value byte, user bool) error {
	return m.WriteVirt(virt, []byte{value}, user)
}

// ReadVirt32 reads a little-endian 32-bit word of virtual memory.
func (m *Machine) ReadVirt32(virt uint32, user bool) (uint32, error) {
	var buf [4]byte
	if err := m.ReadVirt(virt, buf[:], user); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// WriteVirt32 writes a little-endian 32-bit word of virtual memory.
func (m *Machine) WriteVirt32(virt uint32, value uint32, user bool) error {
	return m.WriteVirt(virt, []byte{
		byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
	}, user)
}
