package timeouts

// State is the persistable form of a Pareto estimator's history.
type State struct {
	Histories map[int][]Observation `cbor:"histories"`
	Completed map[int]uint64        `cbor:"completed,omitempty"`
	TimedOut  map[int]uint64        `cbor:"timed_out,omitempty"`
}

// State snapshots the recorded samples, oldest first.
func (e *Pareto) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &State{
		Histories: map[int][]Observation{},
		Completed: map[int]uint64{},
		TimedOut:  map[int]uint64{},
	}
	for n := 1; n <= MaxHops; n++ {
		if obs := e.hist[n].ordered(); len(obs) > 0 {
			st.Histories[n] = obs
		}
		if e.completed[n] > 0 {
			st.Completed[n] = e.completed[n]
		}
		if e.timedOut[n] > 0 {
			st.TimedOut[n] = e.timedOut[n]
		}
	}
	return st
}

// Restore replaces the estimator's history with st. Samples for unknown
// lengths are ignored, and only the newest HistorySize samples are kept.
func (e *Pareto) Restore(st *State) {
	if st == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for n := 1; n <= MaxHops; n++ {
		h := newHistory(e.base.HistorySize)
		for _, o := range st.Histories[n] {
			if o.Elapsed >= 0 {
				h.add(o)
			}
		}
		e.hist[n] = h
		e.completed[n] = st.Completed[n]
		e.timedOut[n] = st.TimedOut[n]
	}
}
