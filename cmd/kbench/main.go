// Command kbench measures the simulated kernel: boot time, scheduler
// throughput under a process fleet, and heap allocator behaviour.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/kern386"
)

// spinner is the smallest possible busy program: jmp $.
var spinner = []byte{0xEB, 0xFE}

// chatter prints its marker byte once, then spins.
func chatter(marker byte) []byte {
	return []byte{
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xBB, marker, 0x00, 0x00, 0x00, // mov ebx, marker
		0xCD, 0x48, // int 0x48
		0xEB, 0xFE, // jmp $
	}
}

func main() {
	var (
		procs    = flag.Int("procs", 8, "number of processes to schedule")
		steps    = flag.Uint64("steps", 50_000_000, "machine cycles to run")
		memoryMB = flag.Uint("memory", 64, "available RAM in MiB")
		chunk    = flag.Uint64("chunk", 1_000_000, "cycles per progress update")
	)
	flag.Parse()

	cfg := kern386.DefaultConfig()
	cfg.MemoryMB = uint32(*memoryMB)

	bootStart := time.Now()
	system, err := kern386.Boot(cfg)
	if err != nil {
		log.Fatalf("boot: %v", err)
	}
	bootTime := time.Since(bootStart)

	for i := 0; i < *procs; i++ {
		code := spinner
		if i%4 == 0 {
			code = chatter('a' + byte(i%26))
		}
		if _, err := system.RunProgram(code, nil); err != nil {
			log.Fatalf("creating process %d: %v", i, err)
		}
	}
	if err := system.Start(); err != nil {
		log.Fatalf("entering user mode: %v", err)
	}

	bar := progressbar.Default(int64(*steps), "running")
	runStart := time.Now()
	var executed uint64
	for executed < *steps {
		n := *chunk
		if remaining := *steps - executed; n > remaining {
			n = remaining
		}
		if err := system.Run(n); err != nil {
			bar.Finish()
			log.Fatalf("machine stopped after %d cycles: %v", executed, err)
		}
		executed += n
		bar.Add64(int64(n))
	}
	bar.Finish()
	elapsed := time.Since(runStart)

	fmt.Fprintf(os.Stdout, "\nboot: %v\n", bootTime)
	fmt.Fprintf(os.Stdout, "cycles: %d in %v (%.1f Mcycles/s)\n",
		executed, elapsed, float64(executed)/elapsed.Seconds()/1e6)
	fmt.Fprintf(os.Stdout, "ticks: %d, current pid: %d\n", system.Ticks(), system.CurrentPID())
	fmt.Fprintf(os.Stdout, "physical memory used: %d KiB of %d KiB\n",
		system.UsedPhysicalMemory()>>10, system.TotalPhysicalMemory()>>10)
	fmt.Fprintf(os.Stdout, "kernel heap used: %d bytes\n", system.HeapUsage())
}
