package kernel

// Scheduler is the contract every scheduler implements. There is exactly one
// live instance.
type Scheduler interface {
	// GetCurrent returns the currently elected process.
	GetCurrent() *Process
	// Add inserts a new, fully initialized process into the pool.
	Add(proc *Process)
	// Next returns the process that should run now. It may return the
	// currently executing process to mean "no change".
	Next() *Process
	// Exit removes a process from the pool. If the removed process was the
	// current one, Next must keep working: it will be called right after.
	Exit(proc *Process)
}

// roundRobin keeps the ready processes in an ordered ring with a cursor.
type roundRobin struct {
	procs  []*Process
	cursor int
}

// NewRoundRobin returns a round-robin scheduler.
func NewRoundRobin() Scheduler {
	return &roundRobin{}
}

func (s *roundRobin) GetCurrent() *Process {
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[s.cursor]
}

// Add inserts the process immediately after the cursor, so a fresh process
// runs as soon as the current one is preempted.
func (s *roundRobin) Add(proc *Process) {
	if len(s.procs) == 0 {
		s.procs = []*Process{proc}
		s.cursor = 0
		return
	}
	at := s.cursor + 1
	s.procs = append(s.procs, nil)
	copy(s.procs[at+1:], s.procs[at:])
	s.procs[at] = proc
}

func (s *roundRobin) Next() *Process {
	if len(s.procs) == 0 {
		return nil
	}
	s.cursor = (s.cursor + 1) % len(s.procs)
	return s.procs[s.cursor]
}

// Exit removes proc. When proc is at the cursor the cursor is repositioned
// to the surviving predecessor, so the very next call to Next elects the
// process that followed proc in the ring.
func (s *roundRobin) Exit(proc *Process) {
	at := -1
	for i, p := range s.procs {
		if p == proc {
			at = i
			break
		}
	}
	if at < 0 {
		return
	}

	s.procs = append(s.procs[:at], s.procs[at+1:]...)
	if len(s.procs) == 0 {
		s.cursor = 0
		return
	}
	switch {
	case at < s.cursor:
		s.cursor--
	case at == s.cursor:
		s.cursor = (at - 1 + len(s.procs)) % len(s.procs)
	}
}
