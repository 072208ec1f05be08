package kern386

import (
	"fmt"
	"strings"
)

// Example boots a machine with one user program that prints a character
// through the syscall gate and then spins until it is preempted.
func Example() {
	program := []byte{
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2 (putchar)
		0xBB, '%', 0x00, 0x00, 0x00, // mov ebx, '%'
		0xCD, 0x48, // int 0x48
		0xEB, 0xFE, // jmp $
	}

	cfg := DefaultConfig()
	cfg.Modules = []Module{{Name: "program1", Data: program}}

	system, err := Boot(cfg)
	if err != nil {
		fmt.Println("boot:", err)
		return
	}
	if err := system.Start(); err != nil {
		fmt.Println("start:", err)
		return
	}
	if err := system.Run(10_000); err != nil {
		fmt.Println("run:", err)
		return
	}

	if strings.Contains(system.ConsoleOutput(), "%") {
		fmt.Println("program ran")
	}
	// Output: program ran
}
