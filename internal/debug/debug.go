// Package debug is a low-overhead trace channel for the machine model. Traces
// are disabled until a sink is opened, so callers can leave Writef calls on
// hot paths (port I/O, trap delivery) without paying for formatting.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

var (
	mu      sync.Mutex
	sink    io.Writer
	closer  io.Closer
	enabled atomic.Bool
)

// OpenFile starts tracing into the named file, truncating it.
func OpenFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("debug: open %q: %w", filename, err)
	}
	mu.Lock()
	defer mu.Unlock()
	sink = f
	closer = f
	enabled.Store(true)
	return nil
}

// Open starts tracing into w.
func Open(w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()
	sink = w
	closer = nil
	enabled.Store(true)
	return nil
}

// Close stops tracing and closes the underlying file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	enabled.Store(false)
	sink = nil
	if closer != nil {
		err := closer.Close()
		closer = nil
		return err
	}
	return nil
}

// Enabled reports whether a trace sink is open.
func Enabled() bool {
	return enabled.Load()
}

// Write emits one trace line tagged with its source.
func Write(source string, data string) {
	if !enabled.Load() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return
	}
	fmt.Fprintf(sink, "%s: %s\n", source, data)
}

// Writef formats and emits one trace line tagged with its source.
func Writef(source string, format string, args ...any) {
	if !enabled.Load() {
		return
	}
	Write(source, fmt.Sprintf(format, args...))
}

// Debug is a trace handle bound to a fixed source tag.
type Debug interface {
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) Write(data string) {
	Write(d.source, data)
}

func (d *debugImpl) Writef(format string, args ...any) {
	Writef(d.source, format, args...)
}

// WithSource returns a handle that tags every line with source.
func WithSource(source string) Debug {
	return &debugImpl{source: source}
}
