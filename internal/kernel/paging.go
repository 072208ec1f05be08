package kernel

import (
	"github.com/tinyrange/kern386/internal/boot"
	"github.com/tinyrange/kern386/internal/helper"
	"github.com/tinyrange/kern386/internal/mach"
)

// Page flags.
const (
	PagePresent = mach.PtePresent
	PageRW      = mach.PteWrite
	PageUser    = mach.PteUser

	PageFrame = mach.PteFrameMask

	// pageFlagsMask limits caller-provided flags to the bits a mapping may
	// legally carry.
	pageFlagsMask = PageRW | PageUser
)

// The recursive self-map: directory entry 1023 points back at the directory,
// so the directory is addressable at directoryVirt and the page table for
// directory index d at tablesVirt + d*0x1000.
const (
	tablesVirt    = 0xFFC00000
	directoryVirt = 0xFFFFF000
)

func directoryIndex(virt uint32) uint32 {
	return virt >> 22
}

func tableIndex(virt uint32) uint32 {
	return (virt >> 12) & 0x3FF
}

// Paging is the virtual memory manager for the current address space.
type Paging struct {
	k *Kernel

	currentDirectory uint32
}

// initPaging hands off from the loader's flat view to the kernel mapping:
// the bootstrap directory gets its recursive entry, an identity mapping
// covering everything still used in low memory (kernel, modules, bitmap
// reservation, boot info), and the higher-half alias of the kernel image.
// Everything below the kernel base not just installed stays clear.
func (k *Kernel) initPaging(info *boot.Info) {
	p := &k.paging
	m := k.m

	k.isrRegister(14, p.faultHandler)

	totalSize, err := info.TotalSize()
	if err != nil {
		k.panicf("reading boot info size: %v", err)
	}
	end := info.Addr() + totalSize
	if kernelEnd := k.pmm.KernelEnd(); kernelEnd > end {
		end = kernelEnd
	}
	toMap := helper.DivideUp(end, mach.PageSize)
	if toMap > 2*1024 {
		k.panicf("the kernel is too large for its initial mapping")
	}

	// Build the bootstrap tables in the kernel image region.
	zero := make([]byte, mach.PageSize)
	for _, phys := range []uint32{boot.PageDirPhys, boot.PageTable0Phys, boot.PageTable1Phys} {
		if _, err := m.WriteAt(zero, int64(phys)); err != nil {
			k.panicf("clearing bootstrap paging structures: %v", err)
		}
	}
	for page := uint32(0); page < toMap; page++ {
		tablePhys := uint32(boot.PageTable0Phys)
		if page >= 1024 {
			tablePhys = boot.PageTable1Phys
		}
		entry := page*mach.PageSize | PagePresent | PageRW
		if err := m.WritePhys32(tablePhys+(page%1024)*4, entry); err != nil {
			k.panicf("writing bootstrap page table: %v", err)
		}
	}

	writeDir := func(index, entry uint32) {
		if err := m.WritePhys32(boot.PageDirPhys+index*4, entry); err != nil {
			k.panicf("writing bootstrap page directory: %v", err)
		}
	}
	// Identity mapping of low memory, and the same frames again at the
	// kernel base for the higher-half image.
	writeDir(0, boot.PageTable0Phys|PagePresent|PageRW)
	writeDir(1, boot.PageTable1Phys|PagePresent|PageRW)
	writeDir(directoryIndex(KernelBaseVirt), boot.PageTable0Phys|PagePresent|PageRW)
	writeDir(directoryIndex(KernelBaseVirt)+1, boot.PageTable1Phys|PagePresent|PageRW)
	// The recursive entry.
	writeDir(1023, boot.PageDirPhys|PagePresent|PageRW)

	m.SetCR3(boot.PageDirPhys)
	m.EnablePaging()
	m.InvalidatePage(tablesVirt)
	m.InvalidatePage(0)

	p.currentDirectory = boot.PageDirPhys
}

// GetPage returns the kernel virtual address of the page table entry for
// virt, creating the page table when asked. The boolean is false when the
// table does not exist and create was not set.
func (p *Paging) GetPage(virt uint32, create bool, flags uint32) (uint32, bool) {
	k := p.k
	if virt%mach.PageSize != 0 {
		k.panicf("paging_get_page: unaligned address %x", virt)
	}

	dirIndex := directoryIndex(virt)
	tblIndex := tableIndex(virt)
	tableAddr := tablesVirt + dirIndex<<12

	dirEntry := k.readV32(directoryVirt + dirIndex*4)
	if dirEntry&PagePresent == 0 && create {
		newTable := k.pmm.AllocPage()
		if newTable == 0 {
			k.panicf("kernel is out of physical memory!")
		}
		k.writeV32(directoryVirt+dirIndex*4, newTable|PagePresent|PageRW|(flags&pageFlagsMask))
		k.m.InvalidatePage(tableAddr)
		// Zero the new table through the recursive alias.
		k.writeV(tableAddr, make([]byte, mach.PageSize))
		dirEntry = k.readV32(directoryVirt + dirIndex*4)
	}

	if dirEntry&PagePresent != 0 {
		return tableAddr + tblIndex*4, true
	}
	return 0, false
}

// MapPage maps virt to phys with the given flags. Mapping an already mapped
// page is a kernel bug and terminal.
func (p *Paging) MapPage(virt, phys, flags uint32) {
	k := p.k
	pte, _ := p.GetPage(virt, true, flags)

	if old := k.readV32(pte); old&PagePresent != 0 {
		k.console.Errorf("tried to map an already mapped virtual address 0x%x to 0x%x", virt, phys)
		k.console.Errorf("previous mapping: 0x%x to 0x%x", virt, old&PageFrame)
		k.panicf("double mapping of 0x%x", virt)
	}

	k.writeV32(pte, phys|PagePresent|(flags&pageFlagsMask))
	k.m.InvalidatePage(virt)
}

// UnmapPage releases the mapping of virt, freeing the backing frame, and
// invalidates the stale translation.
func (p *Paging) UnmapPage(virt uint32) {
	k := p.k
	pte, ok := p.GetPage(virt, false, 0)
	if !ok {
		return
	}
	entry := k.readV32(pte)
	if entry&PagePresent == 0 {
		return
	}
	k.pmm.FreePage(entry & PageFrame)
	k.writeV32(pte, 0)
	k.m.InvalidatePage(virt)
}

// MapPages maps num consecutive pages starting at virt/phys.
func (p *Paging) MapPages(virt, phys, num, flags uint32) {
	for i := uint32(0); i < num; i++ {
		p.MapPage(virt, phys, flags)
		virt += mach.PageSize
		phys += mach.PageSize
	}
}

// UnmapPages releases num consecutive pages starting at virt.
func (p *Paging) UnmapPages(virt, num uint32) {
	for i := uint32(0); i < num; i++ {
		p.UnmapPage(virt)
		virt += mach.PageSize
	}
}

// AllocPages backs num pages starting at virt with fresh frames, mapped
// user-accessible. Pages allocated here are not shared across processes.
func (p *Paging) AllocPages(virt, num uint32) uint32 {
	k := p.k
	for i := uint32(0); i < num; i++ {
		page := k.pmm.AllocPage()
		if page == 0 {
			return 0
		}
		pte, _ := p.GetPage(virt+i*mach.PageSize, true, PageRW|PageUser)
		k.writeV32(pte, page|PagePresent|PageRW|PageUser)
		k.m.InvalidatePage(virt + i*mach.PageSize)
	}
	return virt
}

// VirtToPhys returns the current physical mapping of virt, or zero when none
// exists.
func (p *Paging) VirtToPhys(virt uint32) uint32 {
	pte, ok := p.GetPage(virt&PageFrame, false, 0)
	if !ok {
		return 0
	}
	entry := p.k.readV32(pte)
	if entry&PagePresent == 0 {
		return 0
	}
	return entry&PageFrame + virt&0xFFF
}

// SwitchDirectory loads a new page directory.
func (p *Paging) SwitchDirectory(dirPhys uint32) {
	p.k.m.SetCR3(dirPhys)
	p.currentDirectory = dirPhys
}

// InvalidateCache reloads CR3, dropping every cached translation.
func (p *Paging) InvalidateCache() {
	p.k.m.FlushTLB()
}

// faultHandler is the vector 14 diagnostic. No page is ever demand-paged in,
// so every fault is terminal.
func (p *Paging) faultHandler(regs *Registers) {
	k := p.k
	err := regs.ErrCode
	cr2 := k.m.CPU().CR2

	was := "wasn't"
	if err&0x01 != 0 {
		was = "was"
	}
	action := "read from"
	if err&0x02 != 0 {
		action = "write to"
	}
	mode := "kernel"
	if err&0x04 != 0 {
		mode = "user"
	}

	k.console.Errorf("page fault caused by instruction at 0x%x from process %d:", regs.EIP, k.CurrentPID())
	k.console.Errorf("the page at 0x%x %s present ", cr2, was)
	k.console.Errorf("when a process tried to %s it", action)
	k.console.Errorf("this process was in %s mode", mode)

	if pte, ok := p.GetPage(cr2&PageFrame, false, 0); ok && err&0x01 != 0 {
		pageMode := "kernel"
		if k.readV32(pte)&PageUser != 0 {
			pageMode = "user"
		}
		k.console.Errorf("The page was in %s mode", pageMode)
	}
	if err&0x08 != 0 {
		k.console.Errorf("The reserved bits were overwritten")
	}
	if err&0x10 != 0 {
		k.console.Errorf("The fault occured during an instruction fetch")
	}

	k.panicf("page fault at 0x%x", cr2)
}
