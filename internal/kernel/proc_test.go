package kernel

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/kern386/internal/mach"
)

// User programs for the interpreter, assembled by hand.
var (
	// jmp $
	progSpin = []byte{0xEB, 0xFE}

	// mov eax, 1; int 0x48
	progExit = []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xCD, 0x48}
)

// progPutchar prints marker via syscall 2, then spins.
func progPutchar(marker byte) []byte {
	return []byte{
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xBB, marker, 0x00, 0x00, 0x00, // mov ebx, marker
		0xCD, 0x48, // int 0x48
		0xEB, 0xFE, // jmp $
	}
}

func TestRunCodeProcessRecord(t *testing.T) {
	k := newTestKernel(t)

	proc := k.RunCode(progSpin, nil)
	if proc.PID != 1 {
		t.Fatalf("first pid = %d, want 1", proc.PID)
	}
	if proc.CodeLen != 1 || proc.StackLen != ProcStackPages {
		t.Fatalf("page counts = code %d stack %d", proc.CodeLen, proc.StackLen)
	}
	if proc.Directory == 0 {
		t.Fatalf("no page directory")
	}
	if proc.SavedKernelStack >= proc.KernelStack {
		t.Fatalf("synthesized frame not below the stack top: saved=0x%08x top=0x%08x",
			proc.SavedKernelStack, proc.KernelStack)
	}

	second := k.RunCode(progSpin, nil)
	if second.PID != 2 {
		t.Fatalf("second pid = %d, want 2", second.PID)
	}
}

func TestRunCodeSynthesizedFrame(t *testing.T) {
	k := newTestKernel(t)
	proc := k.RunCode(progSpin, nil)

	// The frame is laid out exactly as a timer preemption would have left
	// it. From the stack top downwards: the iret quintet, the zero error
	// code and vector, the PUSHAD image, four kernel data words, the stub
	// return label, and four callee-saved scratch words.
	read := func(off uint32) uint32 {
		return k.readV32(proc.KernelStack - off)
	}
	if got := read(4); got != SelUserData {
		t.Fatalf("user ss = 0x%x, want 0x%x", got, SelUserData)
	}
	if got := read(8); got != proc.InitialUserStack {
		t.Fatalf("user esp = 0x%08x, want 0x%08x", got, proc.InitialUserStack)
	}
	if got := read(12); got != 0x202 {
		t.Fatalf("eflags = 0x%x, want 0x202 (IF set)", got)
	}
	if got := read(16); got != SelUserCode {
		t.Fatalf("user cs = 0x%x, want 0x%x", got, SelUserCode)
	}
	if got := read(20); got != UserCodeBase {
		t.Fatalf("eip = 0x%08x, want 0x%08x", got, uint32(UserCodeBase))
	}
	// Segment words below the PUSHAD image.
	for i := uint32(0); i < 4; i++ {
		if got := read(60 + 4 + i*4); got != 0x20 {
			t.Fatalf("segment word %d = 0x%x, want 0x20", i, got)
		}
	}
	// The stub return label the context switch pops.
	if got := k.readV32(proc.SavedKernelStack + 16); got != irqHandlerEndAddr {
		t.Fatalf("return label = 0x%08x, want 0x%08x", got, uint32(irqHandlerEndAddr))
	}

	// 24 words in total.
	if proc.KernelStack-proc.SavedKernelStack != 24*4 {
		t.Fatalf("frame is %d bytes, want %d", proc.KernelStack-proc.SavedKernelStack, 24*4)
	}
}

func TestRunCodeArgv(t *testing.T) {
	k := newTestKernel(t)
	proc := k.RunCode(progSpin, []string{"hello", "world"})

	prev := k.paging.currentDirectory
	k.paging.SwitchDirectory(proc.Directory)
	defer k.paging.SwitchDirectory(prev)

	argc := k.readV32(proc.InitialUserStack)
	if argc != 2 {
		t.Fatalf("argc = %d, want 2", argc)
	}
	argvPtr := k.readV32(proc.InitialUserStack + 4)
	if argvPtr == 0 {
		t.Fatalf("argv is null with two arguments")
	}

	for i, want := range []string{"hello", "world"} {
		strAddr := k.readV32(argvPtr + uint32(i)*4)
		if strAddr%4 != 0 {
			t.Fatalf("argv[%d] at 0x%08x is not 4-byte aligned", i, strAddr)
		}
		buf := make([]byte, len(want))
		k.readV(strAddr, buf)
		if string(buf) != want {
			t.Fatalf("argv[%d] = %q, want %q", i, buf, want)
		}
	}
}

func TestRunCodeEmptyArgv(t *testing.T) {
	k := newTestKernel(t)
	proc := k.RunCode(progSpin, nil)

	prev := k.paging.currentDirectory
	k.paging.SwitchDirectory(proc.Directory)
	defer k.paging.SwitchDirectory(prev)

	if argc := k.readV32(proc.InitialUserStack); argc != 0 {
		t.Fatalf("argc = %d, want 0", argc)
	}
	if argvPtr := k.readV32(proc.InitialUserStack + 4); argvPtr != 0 {
		t.Fatalf("argv = 0x%08x, want null", argvPtr)
	}
}

func TestRunCodeCopiesCodeIntoNewSpace(t *testing.T) {
	k := newTestKernel(t)
	proc := k.RunCode(progPutchar('x'), nil)

	prev := k.paging.currentDirectory
	k.paging.SwitchDirectory(proc.Directory)
	defer k.paging.SwitchDirectory(prev)

	buf := make([]byte, 14)
	k.readV(UserCodeBase, buf)
	want := progPutchar('x')
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("code byte %d = 0x%02x, want 0x%02x", i, buf[i], want[i])
		}
	}

	// Slack after the code is zeroed.
	var slack [16]byte
	k.readV(UserCodeBase+uint32(len(want)), slack[:])
	for i, b := range slack {
		if b != 0 {
			t.Fatalf("slack byte %d = 0x%02x", i, b)
		}
	}
}

func TestRunCodeKernelSpaceShared(t *testing.T) {
	k := newTestKernel(t)
	a := k.RunCode(progSpin, nil)
	b := k.RunCode(progSpin, nil)

	// Kernel-space directory entries are identical across processes; user
	// entries are per-process.
	readDir := func(dirPhys, index uint32) uint32 {
		word, err := k.m.ReadPhys32(dirPhys + index*4)
		if err != nil {
			t.Fatalf("reading directory: %v", err)
		}
		return word
	}
	for index := directoryIndex(KernelBaseVirt); index < 1023; index++ {
		av, bv := readDir(a.Directory, index), readDir(b.Directory, index)
		if av != bv {
			t.Fatalf("kernel-space entry %d differs: 0x%08x vs 0x%08x", index, av, bv)
		}
	}
	if readDir(a.Directory, 1023) == readDir(b.Directory, 1023) {
		t.Fatalf("recursive entries are shared between processes")
	}
	if readDir(a.Directory, 0) == readDir(b.Directory, 0) {
		t.Fatalf("user code tables are shared between processes")
	}
}

func TestEnterUsermodeWithoutProcess(t *testing.T) {
	k := newTestKernel(t)
	err := k.Start()
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("start without processes returned %v", err)
	}
	if !strings.Contains(k.console.Contents(), "no process to run") {
		t.Fatalf("missing diagnostic, console: %q", k.console.Contents())
	}
}

func TestPreemptiveScheduling(t *testing.T) {
	k := newTestKernel(t)

	k.RunCode(progPutchar('+'), nil)
	k.RunCode(progPutchar('*'), nil)

	if err := k.Start(); err != nil {
		t.Fatalf("entering user mode: %v", err)
	}
	if got := k.CurrentPID(); got != 1 {
		t.Fatalf("initial pid = %d, want 1", got)
	}

	seen := map[uint32]bool{}
	for i := 0; i < 40 && (!seen[1] || !seen[2] || k.Ticks() < 4); i++ {
		if err := k.m.Run(500); err != nil {
			t.Fatalf("machine stopped: %v (console %q)", err, k.console.Contents())
		}
		seen[k.CurrentPID()] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("scheduler did not run both processes: %v", seen)
	}

	out := k.console.Contents()
	if !strings.Contains(out, "+") || !strings.Contains(out, "*") {
		t.Fatalf("console missing process output: %q", out)
	}
	if k.Ticks() < 4 {
		t.Fatalf("only %d ticks delivered", k.Ticks())
	}
}

func TestExitFreesFrames(t *testing.T) {
	k := newTestKernel(t)

	// Warm the heap and the temp page so the baseline includes them.
	k.RunCode(progSpin, nil)
	used := k.pmm.UsedMemory()

	// Three code pages, four stack pages.
	code := make([]byte, 2*mach.PageSize+100)
	copy(code, progExit)
	proc := k.RunCode(code, nil)
	if proc.CodeLen != 3 {
		t.Fatalf("code pages = %d, want 3", proc.CodeLen)
	}
	if k.pmm.UsedMemory() <= used {
		t.Fatalf("creation did not allocate frames")
	}

	if err := k.Start(); err != nil {
		t.Fatalf("entering user mode: %v", err)
	}
	// Run until the exit syscall has torn the process down. The survivor runs
	// first; the first tick switches to the exiting process, which exits at
	// once, so two ticks are enough.
	for i := 0; i < 100 && k.Ticks() < 2; i++ {
		if err := k.m.Run(500); err != nil {
			t.Fatalf("machine stopped: %v", err)
		}
	}
	if got := k.CurrentPID(); got != 1 {
		t.Fatalf("survivor pid = %d, want 1", got)
	}

	after := k.pmm.UsedMemory()
	if after > used+mach.PageSize || after+mach.PageSize < used {
		t.Fatalf("exit leaked frames: before=%d after=%d", used, after)
	}
}

func TestUnknownSyscallIsNonFatal(t *testing.T) {
	k := newTestKernel(t)

	code := []byte{
		0xB8, 0xC8, 0x00, 0x00, 0x00, // mov eax, 200
		0xCD, 0x48, // int 0x48
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xBB, '#', 0x00, 0x00, 0x00, // mov ebx, '#'
		0xCD, 0x48, // int 0x48
		0xEB, 0xFE, // jmp $
	}
	k.RunCode(code, nil)

	if err := k.Start(); err != nil {
		t.Fatalf("entering user mode: %v", err)
	}
	if err := k.m.Run(5000); err != nil {
		t.Fatalf("machine stopped: %v (console %q)", err, k.console.Contents())
	}

	out := k.console.Contents()
	if !strings.Contains(out, "Unknown syscall 200") {
		t.Fatalf("missing unknown-syscall log: %q", out)
	}
	if !strings.Contains(out, "#") {
		t.Fatalf("process did not continue after the unknown syscall: %q", out)
	}
}

func TestUserPageFaultIsTerminal(t *testing.T) {
	k := newTestKernel(t)

	// mov eax, [0x0]: the null page is never mapped.
	k.RunCode([]byte{0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}, nil)

	if err := k.Start(); err != nil {
		t.Fatalf("entering user mode: %v", err)
	}
	err := k.m.Run(100)
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("run returned %v, want kernel panic", err)
	}
	if !strings.Contains(k.console.Contents(), "page fault caused by instruction") {
		t.Fatalf("missing fault diagnostic: %q", k.console.Contents())
	}
}

func TestUserHltIsTerminal(t *testing.T) {
	k := newTestKernel(t)
	k.RunCode([]byte{0xF4}, nil)

	if err := k.Start(); err != nil {
		t.Fatalf("entering user mode: %v", err)
	}
	err := k.m.Run(100)
	if !errors.Is(err, ErrException) {
		t.Fatalf("run returned %v, want unhandled exception", err)
	}
	if !strings.Contains(k.console.Contents(), "General Protection") {
		t.Fatalf("missing exception dump: %q", k.console.Contents())
	}
}

func TestTimerCallbackSlotIsExclusive(t *testing.T) {
	k := newTestKernel(t)

	if err := k.timer.RegisterCallback(func(*Registers) {}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := k.timer.RegisterCallback(func(*Registers) {})
	if !errors.Is(err, ErrCallbackRegistered) {
		t.Fatalf("second registration returned %v", err)
	}
}
