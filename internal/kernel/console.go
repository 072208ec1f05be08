package kernel

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/kern386/internal/boot"
)

// Console is the kernel's text output: the target of kernel log lines and of
// the putchar syscall. Output is recorded in a buffer and mirrored to an
// optional writer. Informational and error lines carry the same SGR color
// sequences the framebuffer console used.
type Console struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	sink io.Writer
	fb   *boot.Framebuffer
}

func newConsole() *Console {
	return &Console{}
}

func (c *Console) setFramebuffer(fb *boot.Framebuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fb = fb
}

// Framebuffer returns the loader-provided framebuffer, when any.
func (c *Console) Framebuffer() *boot.Framebuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fb
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(s)
	if c.sink != nil {
		io.WriteString(c.sink, s)
	}
}

// PutChar writes a single character, the backing of syscall 2.
func (c *Console) PutChar(ch byte) {
	c.write(string(rune(ch)))
}

// Printf writes a formatted string.
func (c *Console) Printf(format string, args ...any) {
	c.write(fmt.Sprintf(format, args...))
}

// Infof writes a green informational line.
func (c *Console) Infof(format string, args ...any) {
	c.write("\x1B[32m" + fmt.Sprintf(format, args...) + "\x1B[0m\n")
}

// Errorf writes a red error line.
func (c *Console) Errorf(format string, args ...any) {
	c.write("\x1B[31m" + fmt.Sprintf(format, args...) + "\x1B[0m\n")
}

// Contents returns everything written so far.
func (c *Console) Contents() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
