package monitor

// Supervisor tracks the live compartment processes started by the monitor.
type Supervisor struct {
	names    []string
	pids     []int
	main     int
	live     int
	mainDead bool
}

// NewSupervisor tracks the named compartments; main is the index of the
// main compartment.
func NewSupervisor(names []string, main int) *Supervisor {
	return &Supervisor{
		names: append([]string(nil), names...),
		pids:  make([]int, len(names)),
		main:  main,
	}
}

// Started records the pid of compartment idx.
func (s *Supervisor) Started(idx, pid int) {
	if s.pids[idx] == 0 && pid > 0 {
		s.live++
	}
	s.pids[idx] = pid
}

// Reap marks the process pid as gone and returns its compartment index.
func (s *Supervisor) Reap(pid int) (int, bool) {
	if pid <= 0 {
		return -1, false
	}
	for i, p := range s.pids {
		if p == pid {
			s.pids[i] = 0
			s.live--
			return i, true
		}
	}
	return -1, false
}

// Crashed reports whether the death of idx counts as a crash: the first
// death seen, of a compartment other than main. Every later death is
// ordinary termination.
func (s *Supervisor) Crashed(idx int) bool {
	crashed := !s.mainDead && idx != s.main
	s.mainDead = true
	return crashed
}

// Live returns the number of compartment processes still running.
func (s *Supervisor) Live() int { return s.live }

// Name returns the name of compartment idx.
func (s *Supervisor) Name(idx int) string {
	if idx < 0 || idx >= len(s.names) {
		return ""
	}
	return s.names[idx]
}

// LivePIDs returns the pids still running, in compartment order.
func (s *Supervisor) LivePIDs() []int {
	var out []int
	for _, p := range s.pids {
		if p != 0 {
			out = append(out, p)
		}
	}
	return out
}
