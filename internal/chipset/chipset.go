package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/kern386/internal/debug"
)

// Chipset owns the registered devices and dispatches port I/O to them.
type Chipset struct {
	devices map[string]Device
	pio     map[uint16]PortIODevice
	cycles  []CycleDevice
}

// New returns an empty chipset.
func New() *Chipset {
	return &Chipset{
		devices: make(map[string]Device),
		pio:     make(map[uint16]PortIODevice),
	}
}

// RegisterDevice adds a device and wires up the ports it serves.
func (c *Chipset) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := c.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}
	c.devices[name] = dev

	if pio, ok := dev.(PortIODevice); ok {
		for _, port := range pio.IOPorts() {
			if prev, taken := c.pio[port]; taken {
				return fmt.Errorf("chipset: port 0x%04x already claimed by %T", port, prev)
			}
			c.pio[port] = pio
		}
	}

	if cyc, ok := dev.(CycleDevice); ok {
		c.cycles = append(c.cycles, cyc)
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	debug.Writef("chipset.HandlePIO", "handler=%T port=0x%04x data=% x isWrite=%t", handler, port, data, isWrite)
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// Advance drives every cycle-counted device by the given number of cycles.
func (c *Chipset) Advance(cycles uint64) {
	for _, dev := range c.cycles {
		dev.Advance(cycles)
	}
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
