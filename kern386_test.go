package kern386

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// progPutcharLoop prints marker once via the putchar syscall, then spins.
func progPutcharLoop(marker byte) []byte {
	return []byte{
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xBB, marker, 0x00, 0x00, 0x00, // mov ebx, marker
		0xCD, 0x48, // int 0x48
		0xEB, 0xFE, // jmp $
	}
}

// progExit terminates immediately via syscall 1.
var progExit = []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xCD, 0x48}

// progSpin busy-loops forever.
var progSpin = []byte{0xEB, 0xFE}

func TestBootWithoutModules(t *testing.T) {
	system, err := Boot(DefaultConfig())
	if err != nil {
		t.Fatalf("boot: %v", err)
	}

	if got := system.TotalPhysicalMemory(); got != 64<<20 {
		t.Fatalf("total memory = %d, want %d", got, 64<<20)
	}
	if got := system.HeapUsage(); got != 0 {
		t.Fatalf("heap usage = %d before any allocation", got)
	}
	if got := system.CurrentPID(); got != 0 {
		t.Fatalf("current pid = %d outside user mode", got)
	}
	if used := system.UsedPhysicalMemory(); used == 0 || used >= 64<<20 {
		t.Fatalf("used memory = %d is implausible", used)
	}

	if err := system.Start(); err == nil {
		t.Fatalf("start without processes succeeded")
	}
}

func TestModulesArePreempted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modules = []Module{
		{Name: "program1", Data: progPutcharLoop('+')},
		{Name: "program1", Data: progPutcharLoop('*')},
	}

	system, err := Boot(cfg)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := system.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := system.Run(50_000); err != nil {
		t.Fatalf("run: %v (console %q)", err, system.ConsoleOutput())
	}

	out := system.ConsoleOutput()
	if !strings.Contains(out, "+") || !strings.Contains(out, "*") {
		t.Fatalf("both processes should have printed, console: %q", out)
	}
	if system.Ticks() < 4 {
		t.Fatalf("only %d timer ticks in 50k cycles", system.Ticks())
	}
	if pid := system.CurrentPID(); pid != 1 && pid != 2 {
		t.Fatalf("current pid = %d", pid)
	}
}

func TestIgnoredModuleNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modules = []Module{
		{Name: "initrd", Data: []byte{0x00, 0x01, 0x02}},
		{Name: "program1", Data: progPutcharLoop('@')},
	}

	system, err := Boot(cfg)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := system.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := system.Run(10_000); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(system.ConsoleOutput(), "@") {
		t.Fatalf("program1 module did not run: %q", system.ConsoleOutput())
	}
}

func TestExitReturnsFrames(t *testing.T) {
	system, err := Boot(DefaultConfig())
	if err != nil {
		t.Fatalf("boot: %v", err)
	}

	// A survivor process warms the heap and keeps the scheduler alive.
	if _, err := system.RunProgram(progSpin, nil); err != nil {
		t.Fatalf("creating survivor: %v", err)
	}
	used := system.UsedPhysicalMemory()

	// Three code pages and four stack pages.
	code := make([]byte, 2*4096+64)
	copy(code, progExit)
	if _, err := system.RunProgram(code, nil); err != nil {
		t.Fatalf("creating exiting process: %v", err)
	}
	if system.UsedPhysicalMemory() <= used {
		t.Fatalf("process creation allocated nothing")
	}

	if err := system.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := system.Run(20_000); err != nil {
		t.Fatalf("run: %v (console %q)", err, system.ConsoleOutput())
	}

	after := system.UsedPhysicalMemory()
	if after > used+4096 || after+4096 < used {
		t.Fatalf("exit leaked frames: before=%d after=%d", used, after)
	}
	if pid := system.CurrentPID(); pid != 1 {
		t.Fatalf("survivor pid = %d, want 1", pid)
	}
}

func TestUnknownSyscallLogsAndContinues(t *testing.T) {
	code := []byte{
		0xB8, 0xC8, 0x00, 0x00, 0x00, // mov eax, 200
		0xCD, 0x48, // int 0x48
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xBB, '#', 0x00, 0x00, 0x00, // mov ebx, '#'
		0xCD, 0x48, // int 0x48
		0xEB, 0xFE, // jmp $
	}
	cfg := DefaultConfig()
	cfg.Modules = []Module{{Name: "program1", Data: code}}

	system, err := Boot(cfg)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := system.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := system.Run(10_000); err != nil {
		t.Fatalf("run: %v", err)
	}

	out := system.ConsoleOutput()
	if !strings.Contains(out, "Unknown syscall 200") {
		t.Fatalf("missing unknown-syscall log: %q", out)
	}
	if !strings.Contains(out, "#") {
		t.Fatalf("process stopped after unknown syscall: %q", out)
	}
}

func TestConsoleMirrorsToWriter(t *testing.T) {
	var sb strings.Builder
	cfg := DefaultConfig()
	cfg.Modules = []Module{{Name: "program1", Data: progPutcharLoop('~')}}

	system, err := Boot(cfg, WithConsole(&sb))
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := system.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := system.Run(10_000); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(sb.String(), "~") {
		t.Fatalf("mirror writer missing output: %q", sb.String())
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	modPath := filepath.Join(dir, "prog.bin")
	if err := os.WriteFile(modPath, progSpin, 0o644); err != nil {
		t.Fatalf("writing module: %v", err)
	}
	cfgPath := filepath.Join(dir, "machine.yaml")
	cfgYAML := "memoryMB: 128\ntimerHz: 250\nmodules:\n  - name: program1\n    path: " + modPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MemoryMB != 128 || cfg.TimerHz != 250 {
		t.Fatalf("config = %+v", cfg)
	}
	if len(cfg.Modules) != 1 || cfg.Modules[0].Path != modPath {
		t.Fatalf("modules = %+v", cfg.Modules)
	}

	system, err := Boot(cfg)
	if err != nil {
		t.Fatalf("boot from config: %v", err)
	}
	if got := system.TotalPhysicalMemory(); got != 128<<20 {
		t.Fatalf("total memory = %d, want %d", got, 128<<20)
	}
}

func TestSerialInputReachesTheDriver(t *testing.T) {
	system, err := Boot(DefaultConfig())
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	system.QueueSerialInput([]byte("hi"))
	// The UART read path is exercised through the kernel driver in the
	// device tests; here we only check the queue plumbing doesn't error.
	if err := system.Step(); err != nil {
		// No user process: the CPU has nothing to execute, which is fine
		// as long as the machine did not fault.
		t.Logf("step: %v", err)
	}
}
