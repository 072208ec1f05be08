package debug

import (
	"strings"
	"testing"
)

func TestWritefDisabledByDefault(t *testing.T) {
	if Enabled() {
		t.Fatalf("tracing enabled without a sink")
	}
	// Must not panic.
	Writef("test", "dropped %d", 1)
}

func TestWritefToSink(t *testing.T) {
	var sb strings.Builder
	if err := Open(&sb); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close()

	Writef("mach.pio", "port=0x%04x value=0x%02x", 0x20, 0x11)
	Write("mach.trap", "vector=32")

	out := sb.String()
	if !strings.Contains(out, "mach.pio: port=0x0020 value=0x11") {
		t.Fatalf("missing pio line in %q", out)
	}
	if !strings.Contains(out, "mach.trap: vector=32") {
		t.Fatalf("missing trap line in %q", out)
	}
}

func TestWithSource(t *testing.T) {
	var sb strings.Builder
	if err := Open(&sb); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer Close()

	d := WithSource("kern.timer")
	d.Writef("tick=%d", 7)
	if !strings.Contains(sb.String(), "kern.timer: tick=7") {
		t.Fatalf("missing tagged line in %q", sb.String())
	}
}
