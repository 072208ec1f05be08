// Package pic emulates the pair of cascaded 8259A interrupt controllers found
// on legacy PCs. Only the features the kernel programs are modelled: the
// ICW1..ICW4 initialization sequence, interrupt masking, edge-triggered
// request latching, priority resolution, and specific/non-specific EOI.
package pic

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/kern386/internal/chipset"
)

const (
	primaryCommandPort   uint16 = 0x20
	primaryDataPort      uint16 = 0x21
	secondaryCommandPort uint16 = 0xa0
	secondaryDataPort    uint16 = 0xa1

	cascadeIRQ  = 2
	irqMask     = 0x7
	spuriousIRQ = 7
)

// DualPIC implements the classic pair of cascaded 8259A controllers.
type DualPIC struct {
	mu sync.Mutex

	pics [2]*pic
}

// New returns a DualPIC in its power-on state: uninitialized, with vector
// offsets 0x08/0x70-style defaults replaced by zero until ICW2 arrives, and
// all lines unmasked.
func New() *DualPIC {
	return &DualPIC{
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// Reset implements chipset.Device.
func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0] = newPic(true)
	p.pics[1] = newPic(false)
	return nil
}

// IOPorts implements chipset.PortIODevice.
func (p *DualPIC) IOPorts() []uint16 {
	return []uint16{
		primaryCommandPort,
		primaryDataPort,
		secondaryCommandPort,
		secondaryDataPort,
	}
}

// ReadIOPort implements chipset.PortIODevice.
func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryCommandPort:
		data[0] = p.pics[0].readCommand()
	case primaryDataPort:
		data[0] = p.pics[0].readData()
	case secondaryCommandPort:
		data[0] = p.pics[1].readCommand()
	case secondaryDataPort:
		data[0] = p.pics[1].readData()
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements chipset.PortIODevice.
func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryCommandPort:
		p.pics[0].writeCommand(data[0])
	case primaryDataPort:
		p.pics[0].writeData(data[0])
	case secondaryCommandPort:
		p.pics[1].writeCommand(data[0])
	case secondaryDataPort:
		p.pics[1].writeData(data[0])
	default:
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}
	return nil
}

// SetIRQ implements chipset.InterruptSink. Lines 0-7 hit the primary
// controller, 8-15 the secondary.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 16 {
		return
	}
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncCascadeLocked()
}

// InterruptPending reports whether an unmasked interrupt is waiting for the
// CPU to acknowledge.
func (p *DualPIC) InterruptPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncCascadeLocked()
	return p.pics[0].interruptPending()
}

// Acknowledge performs the INTA cycle: it returns whether an interrupt was
// pending and, if so, what vector should be delivered to the CPU.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.syncCascadeLocked()
	requested, vec := p.pics[0].acknowledgeInterrupt()
	if requested && vec&irqMask == cascadeIRQ {
		secRequested, secVec := p.pics[1].acknowledgeInterrupt()
		if !secRequested {
			// Spurious cascade; report the secondary's spurious vector.
			return true, secVec
		}
		vec = secVec
	}
	p.syncCascadeLocked()
	return requested, vec
}

// syncCascadeLocked mirrors the secondary controller's INT output onto the
// primary's cascade line.
func (p *DualPIC) syncCascadeLocked() {
	p.pics[0].setIRQ(cascadeIRQ, p.pics[1].interruptPending())
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%v, secondary=%v)", p.pics[0], p.pics[1])
}

var _ chipset.PortIODevice = (*DualPIC)(nil)
var _ chipset.InterruptSink = (*DualPIC)(nil)

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	offset    byte
	imr       byte
	irr       byte
	isr       byte
	lines     byte
	readISR   bool
}

func newPic(primary bool) *pic {
	return &pic{
		primary:   primary,
		initStage: initUninitialized,
	}
}

func (p *pic) String() string {
	return fmt.Sprintf("8259A(offset=0x%02x imr=0x%02x irr=0x%02x isr=0x%02x)",
		p.offset, p.imr, p.irr, p.isr)
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		// Edge triggered: latch the request on the rising edge.
		if p.lines&bit == 0 {
			p.irr |= bit
		}
		p.lines |= bit
	} else {
		p.lines &^= bit
	}
}

// readyVec returns the set of requests that are unmasked and of higher
// priority than anything currently in service.
func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	return (p.irr &^ p.imr) & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) acknowledgeInterrupt() (bool, uint8) {
	if vec := p.readyVec(); vec != 0 {
		line := byte(bits.TrailingZeros8(vec))
		bit := byte(1 << line)
		p.irr &^= bit
		p.isr |= bit
		return true, p.offset + line
	}
	return false, p.offset + spuriousIRQ
}

func (p *pic) eoi(line *byte) {
	var mask byte
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	p.isr &^= mask
}

func (p *pic) readCommand() byte {
	if p.readISR {
		return p.isr
	}
	return p.irr
}

func (p *pic) readData() byte {
	return p.imr
}

func (p *pic) writeCommand(value byte) {
	const (
		initBit    = 0x10
		ocw3Bit    = 0x08
		eoiBit     = 0x20
		specific   = 0x40
		readEnable = 0x02
		readISRBit = 0x01
	)

	if value&initBit != 0 {
		// ICW1. The kernel writes 0x11: edge triggered, cascade, ICW4 needed.
		lines := p.lines
		*p = *newPic(p.primary)
		p.lines = lines
		p.initStage = initExpectingICW2
		return
	}

	if p.initStage != initInitialized {
		// OCWs delivered before init completes are ignored.
		return
	}

	if value&ocw3Bit == 0 {
		// OCW2.
		switch {
		case value&eoiBit != 0 && value&specific != 0:
			line := value & irqMask
			p.eoi(&line)
		case value&eoiBit != 0:
			p.eoi(nil)
		}
		return
	}

	// OCW3: register read selection.
	if value&readEnable != 0 {
		p.readISR = value&readISRBit != 0
	}
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		p.offset = value &^ irqMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		// Primary: bitmask of cascade lines. Secondary: cascade identity.
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		p.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
