package kernel

import "testing"

func procs(n int) []*Process {
	out := make([]*Process, n)
	for i := range out {
		out[i] = &Process{PID: uint32(i + 1)}
	}
	return out
}

func TestRoundRobinEmpty(t *testing.T) {
	s := NewRoundRobin()
	if s.GetCurrent() != nil {
		t.Fatalf("current of empty scheduler is not nil")
	}
	if s.Next() != nil {
		t.Fatalf("next of empty scheduler is not nil")
	}
}

func TestRoundRobinSingleProcess(t *testing.T) {
	s := NewRoundRobin()
	p := &Process{PID: 1}
	s.Add(p)

	if s.GetCurrent() != p {
		t.Fatalf("current is not the only process")
	}
	for i := 0; i < 3; i++ {
		if s.Next() != p {
			t.Fatalf("next of single-process scheduler changed")
		}
	}
}

func TestRoundRobinRotation(t *testing.T) {
	s := NewRoundRobin()
	ps := procs(3)
	for _, p := range ps {
		s.Add(p)
	}
	// Insertion is always after the cursor, which never moved: [1, 3, 2].
	want := []uint32{3, 2, 1, 3, 2, 1}
	for i, pid := range want {
		if got := s.Next(); got.PID != pid {
			t.Fatalf("step %d: next pid = %d, want %d", i, got.PID, pid)
		}
	}
}

func TestRoundRobinAddAfterCursor(t *testing.T) {
	s := NewRoundRobin()
	a, b := &Process{PID: 1}, &Process{PID: 2}
	s.Add(a)
	s.Add(b)

	// The fresh process runs on the very next election.
	if got := s.Next(); got != b {
		t.Fatalf("next after add = pid %d, want 2", got.PID)
	}
}

func TestRoundRobinExitCurrent(t *testing.T) {
	s := NewRoundRobin()
	ps := procs(3) // ring: [1, 3, 2]
	for _, p := range ps {
		s.Add(p)
	}

	// Advance to pid 3.
	if got := s.Next(); got.PID != 3 {
		t.Fatalf("setup: next pid = %d", got.PID)
	}

	// Removing the current process keeps Next well-defined: the process
	// that followed it in the ring is elected next.
	s.Exit(ps[2])
	if got := s.Next(); got.PID != 2 {
		t.Fatalf("next after exiting current = pid %d, want 2", got.PID)
	}
	if got := s.Next(); got.PID != 1 {
		t.Fatalf("rotation after exit = pid %d, want 1", got.PID)
	}
}

func TestRoundRobinExitOther(t *testing.T) {
	s := NewRoundRobin()
	ps := procs(3) // ring: [1, 3, 2]
	for _, p := range ps {
		s.Add(p)
	}

	s.Exit(ps[1]) // remove pid 2, cursor still on pid 1
	if got := s.GetCurrent(); got.PID != 1 {
		t.Fatalf("current changed to pid %d", got.PID)
	}
	want := []uint32{3, 1, 3}
	for i, pid := range want {
		if got := s.Next(); got.PID != pid {
			t.Fatalf("step %d: next pid = %d, want %d", i, got.PID, pid)
		}
	}
}

func TestRoundRobinExitLast(t *testing.T) {
	s := NewRoundRobin()
	p := &Process{PID: 1}
	s.Add(p)
	s.Exit(p)

	if s.GetCurrent() != nil || s.Next() != nil {
		t.Fatalf("scheduler not empty after last exit")
	}
}
