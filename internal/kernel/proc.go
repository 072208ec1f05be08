package kernel

import (
	"github.com/tinyrange/kern386/internal/debug"
	"github.com/tinyrange/kern386/internal/helper"
	"github.com/tinyrange/kern386/internal/mach"
)

const (
	// ProcStackPages is the user stack size in pages.
	ProcStackPages = 4
	// ProcKernelStackPages is the kernel stack size in pages.
	ProcKernelStackPages = 1
)

// Process is one user process. The kernel stack pointer pair drives context
// switching: KernelStack is what the TSS publishes while the process runs,
// SavedKernelStack is where the stack pointer stopped at the last
// preemption.
type Process struct {
	PID uint32

	// Sizes of the executable and of the stack, in pages.
	StackLen uint32
	CodeLen  uint32

	Directory uint32

	KernelStack      uint32
	SavedKernelStack uint32
	InitialUserStack uint32

	MemLen     uint32
	SleepTicks uint32

	FPUState [512]byte
}

// initProc installs the scheduler.
func (k *Kernel) initProc() {
	k.sched = NewRoundRobin()
}

// RunCode creates a process running the raw instructions in code and adds it
// to the process queue after the currently executing process. argv is the
// argument vector pushed onto the new user stack.
func (k *Kernel) RunCode(code []byte, argv []string) *Process {
	m := k.m
	p := &k.paging

	if k.procTempPage == 0 {
		k.procTempPage = k.heap.KAMalloc(mach.PageSize, mach.PageSize)
	}

	// Save the arguments onto the kernel heap; the user page directory does
	// not exist yet, and the heap stays mapped across every directory.
	argAddrs := make([]uint32, 0, len(argv))
	for _, arg := range argv {
		buf := k.heap.KMalloc(uint32(len(arg)) + 1)
		k.writeV(buf, append([]byte(arg), 0))
		argAddrs = append(argAddrs, buf)
	}

	numCodePages := helper.DivideUp(uint32(len(code)), mach.PageSize)
	numStackPages := uint32(ProcStackPages)

	process := &Process{
		PID:      k.nextPID,
		CodeLen:  numCodePages,
		StackLen: numStackPages,
	}
	k.nextPID++

	kernelStack := k.heap.AlignedAlloc(4, mach.PageSize*ProcKernelStackPages)
	pdPhys := k.pmm.AllocPage()
	if pdPhys == 0 {
		k.panicf("kernel is out of physical memory!")
	}

	// Copy the kernel page directory into the new frame through a temporary
	// mapping, then turn the copy into a fresh address space: empty below
	// the kernel, recursive at the top.
	tempPTE, _ := p.GetPage(k.procTempPage, false, 0)
	savedPTE := k.readV32(tempPTE)
	k.writeV32(tempPTE, pdPhys|PagePresent|PageRW)
	m.InvalidatePage(k.procTempPage)

	dir := make([]byte, mach.PageSize)
	k.readV(directoryVirt, dir)
	k.writeV(k.procTempPage, dir)
	k.writeV32(k.procTempPage+1023*4, pdPhys|PagePresent|PageRW)
	for i := uint32(0); i < directoryIndex(KernelBaseVirt); i++ {
		k.writeV32(k.procTempPage+i*4, 0)
	}

	k.writeV32(tempPTE, savedPTE)
	m.InvalidatePage(k.procTempPage)

	// Switch to the new directory to populate it.
	previousPD := k.readV32(directoryVirt+1023*4) & PageFrame
	p.SwitchDirectory(pdPhys)

	// Map the code, copy it in, and zero the slack so static data starts
	// clean.
	codePhys := k.pmm.AllocPages(numCodePages)
	if codePhys == 0 {
		k.panicf("kernel is out of physical memory!")
	}
	p.MapPages(UserCodeBase, codePhys, numCodePages, PageUser|PageRW)
	k.writeV(UserCodeBase, code)
	k.writeV(UserCodeBase+uint32(len(code)), make([]byte, numCodePages*mach.PageSize-uint32(len(code))))

	// Map and clear the stack.
	stackPhys := k.pmm.AllocPages(numStackPages)
	if stackPhys == 0 {
		k.panicf("kernel is out of physical memory!")
	}
	stackBase := uint32(UserStackTop) - mach.PageSize*numStackPages
	p.MapPages(stackBase, stackPhys, numStackPages, PageUser|PageRW)
	k.writeV(stackBase, make([]byte, mach.PageSize*numStackPages))

	process.Directory = pdPhys
	process.InitialUserStack = k.buildUserStack(argAddrs)

	for _, addr := range argAddrs {
		k.heap.KFree(addr)
	}

	p.SwitchDirectory(previousPD)

	process.KernelStack = kernelStack + mach.PageSize*ProcKernelStackPages - 4
	process.SavedKernelStack = process.KernelStack
	freshFPUState(&process.FPUState)

	k.synthesizeFrame(process)

	k.sched.Add(process)

	debug.Writef("kern.proc", "created pid=%d codePages=%d dir=0x%08x",
		process.PID, numCodePages, process.Directory)
	return process
}

// buildUserStack lays out (argc, argv) at the top of the new user stack and
// returns the initial user stack pointer. Argument strings are copied first,
// then the pointer array from highest to lowest so argv[0] lands lowest,
// then argv (or null when empty) and argc.
func (k *Kernel) buildUserStack(argAddrs []uint32) uint32 {
	ptr := uint32(UserStackTop) - 1
	addrs := make([]uint32, len(argAddrs))

	for i := len(argAddrs) - 1; i >= 0; i-- {
		str := k.readHeapString(argAddrs[i])
		length := uint32(len(str))

		// The string copy lands 4-byte aligned.
		ptr -= (ptr - length) % 4
		dest := ptr - length
		k.writeV(dest, []byte(str))
		ptr -= length + 1

		addrs[i] = dest
	}

	slot := (ptr &^ 0x3)
	for i := len(addrs) - 1; i >= 0; i-- {
		k.writeV32(slot, addrs[i])
		slot -= 4
	}

	argvPtr := uint32(0)
	if len(addrs) > 0 {
		argvPtr = slot + 4
	}
	k.writeV32(slot, argvPtr)
	slot -= 4
	k.writeV32(slot, uint32(len(addrs)))

	return slot
}

func (k *Kernel) readHeapString(addr uint32) string {
	var out []byte
	for {
		b, err := k.m.ReadVirt8(addr+uint32(len(out)), false)
		if err != nil {
			k.panicf("reading staged argument: %v", err)
		}
		if b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

// synthesizeFrame builds the new process's kernel stack as if it had just
// been preempted by the timer interrupt: the iret frame into user mode, the
// stub's error code and vector, the PUSHAD image, the four segment words,
// the common stub's return label, and the callee-saved words the context
// switch pops. The resulting stack pointer becomes SavedKernelStack.
func (k *Kernel) synthesizeFrame(process *Process) {
	sp := process.KernelStack
	push := func(value uint32) {
		sp -= 4
		k.writeV32(sp, value)
	}

	// Popped by iret.
	push(SelUserData)               // user ss
	push(process.InitialUserStack)  // user esp
	push(0x202)                     // eflags with IF set
	push(SelUserCode)               // user cs
	push(UserCodeBase)              // eip
	// Error code and interrupt number.
	push(0)
	push(0)
	// The PUSHAD image.
	for i := 0; i < 8; i++ {
		push(0)
	}
	// The four data segment words the common stub restores.
	for i := 0; i < 4; i++ {
		push(0x20)
	}
	// The context switch returns into the common stub's epilogue.
	push(irqHandlerEndAddr)
	// Callee-saved scratch popped by the switch.
	push(1)
	push(2)
	push(3)
	push(4)

	process.SavedKernelStack = sp
}

// Schedule runs the scheduler, which may elect a new process or keep the
// current one.
func (k *Kernel) Schedule() {
	next := k.sched.Next()
	if next == k.current {
		return
	}
	if next == nil {
		k.current = nil
		k.panicf("no process to run")
	}

	k.fpu.Switch(k.current, next)
	k.switchProcess(next)
}

// switchProcess performs the kernel-stack switch. The outgoing side pushes
// the return label and the callee-saved registers and records its stack
// pointer; the incoming side pops the same shape from its saved stack, after
// which the shared interrupt return path unwinds the incoming frame.
func (k *Kernel) switchProcess(next *Process) {
	m := k.m
	cpu := m.CPU()

	k.push(irqHandlerEndAddr)
	k.push(cpu.Regs[mach.RegEBX])
	k.push(cpu.Regs[mach.RegESI])
	k.push(cpu.Regs[mach.RegEDI])
	k.push(cpu.Regs[mach.RegEBP])
	k.current.SavedKernelStack = cpu.Regs[mach.RegESP]

	k.current = next
	k.setKernelStack(next.KernelStack)
	k.paging.SwitchDirectory(next.Directory)
	cpu.Regs[mach.RegESP] = next.SavedKernelStack

	cpu.Regs[mach.RegEBP] = k.pop()
	cpu.Regs[mach.RegEDI] = k.pop()
	cpu.Regs[mach.RegESI] = k.pop()
	cpu.Regs[mach.RegEBX] = k.pop()
	if ret := k.pop(); ret != irqHandlerEndAddr {
		k.panicf("corrupted kernel stack for pid %d: return 0x%08x", next.PID, ret)
	}

	debug.Writef("kern.proc", "switched to pid=%d esp=0x%08x", next.PID, cpu.Regs[mach.RegESP])
}

// timerCallback runs on every clock tick.
func (k *Kernel) timerCallback(regs *Registers) {
	k.Schedule()
}

// EnterUsermode makes the first jump to ring 3. The boot stack is not an
// interrupt frame, so the kernel irets by hand: interrupts stay disabled
// until the saved EFLAGS re-enables them atomically.
func (k *Kernel) EnterUsermode() {
	m := k.m
	cpu := m.CPU()

	cpu.EFLAGS &^= mach.FlagIF

	k.current = k.sched.GetCurrent()
	if k.current == nil {
		k.panicf("no process to run")
	}

	if err := k.timer.RegisterCallback(k.timerCallback); err != nil {
		k.console.Printf("[TIMER] Callback already registered\n")
		k.log.Warn("timer callback slot taken", "error", err)
	}
	k.setKernelStack(k.current.KernelStack)
	k.paging.SwitchDirectory(k.current.Directory)

	cpu.DS = SelUserData
	cpu.ES = SelUserData
	cpu.FS = SelUserData
	cpu.GS = SelUserData

	cpu.SS = SelKernelData
	cpu.Regs[mach.RegESP] = k.current.KernelStack
	k.push(SelUserData)
	k.push(k.current.InitialUserStack)
	k.push(0x202)
	k.push(SelUserCode)
	k.push(UserCodeBase)
	if err := m.IRet(); err != nil {
		k.panicf("entering user mode: %v", err)
	}
}

// Exit terminates the currently executing process: every user page, page
// table, the directory and the kernel stack go back to their allocators,
// then the scheduler elects someone else. It never returns for the caller.
func (k *Kernel) Exit() {
	// Walk the user half of the directory through the recursive alias,
	// freeing mapped pages, then the tables themselves.
	for i := uint32(0); i < directoryIndex(KernelBaseVirt); i++ {
		entry := k.readV32(directoryVirt + i*4)
		if entry&PagePresent == 0 {
			continue
		}
		tableAddr := tablesVirt + i<<12
		for t := uint32(0); t < 1024; t++ {
			pte := k.readV32(tableAddr + t*4)
			if pte&PagePresent != 0 {
				k.pmm.FreePage(pte & PageFrame)
			}
		}
		k.pmm.FreePage(entry & PageFrame)
	}

	pdPage := k.readV32(directoryVirt+1023*4) & PageFrame
	k.pmm.FreePage(pdPage)

	// Free the kernel stack.
	k.heap.KFree(k.current.KernelStack - mach.PageSize*ProcKernelStackPages + 4)

	// This last line is actually safe, and necessary.
	k.sched.Exit(k.current)
	k.Schedule()
}

func freshFPUState(state *[512]byte) {
	state[0] = 0x7F
	state[1] = 0x03
	state[24] = 0x80
	state[25] = 0x1F
}
