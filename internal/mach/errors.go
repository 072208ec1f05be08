package mach

import "errors"

var (
	// ErrHalted is returned by Step when the CPU executed HLT with
	// interrupts disabled, which can never resume.
	ErrHalted = errors.New("cpu halted with interrupts disabled")

	// ErrTripleFault is returned when interrupt delivery itself faults,
	// which on real hardware resets the machine.
	ErrTripleFault = errors.New("triple fault")

	// ErrNoTrapHandler is returned when an interrupt fires before the
	// kernel installed its trap handler.
	ErrNoTrapHandler = errors.New("no trap handler installed")

	// ErrBusError is returned for physical accesses outside guest RAM.
	ErrBusError = errors.New("bus error")
)
