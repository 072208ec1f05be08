package helper

import "testing"

func TestDivideUp(t *testing.T) {
	cases := []struct {
		n, d, want uint32
	}{
		{0, 4096, 0},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{1, 4096, 1},
		{8191, 4096, 2},
	}
	for _, c := range cases {
		if got := DivideUp(c.n, c.d); got != c.want {
			t.Fatalf("DivideUp(%d, %d) = %d, want %d", c.n, c.d, got, c.want)
		}
	}
}

func TestAlignTo(t *testing.T) {
	if got := AlignTo(17, 1); got != 17 {
		t.Fatalf("AlignTo(17, 1) = %d, want 17", got)
	}
	if got := AlignTo(17, 16); got != 32 {
		t.Fatalf("AlignTo(17, 16) = %d, want 32", got)
	}
	if got := AlignTo(32, 16); got != 32 {
		t.Fatalf("AlignTo(32, 16) = %d, want 32", got)
	}
	if got := AlignTo(0, 4096); got != 0 {
		t.Fatalf("AlignTo(0, 4096) = %d, want 0", got)
	}
}
