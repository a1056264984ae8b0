package pcsc

// ReaderState is one entry of a GetStatusChange call: the reader to watch,
// the state the caller believes it is in, and what the resource manager
// reported back.
type ReaderState struct {
	raw RawReaderState
}

// NewReaderState watches name, starting from current. Use StateUnaware to
// learn the present state on the first call.
func NewReaderState(name string, current State) ReaderState {
	return ReaderState{raw: RawReaderState{Reader: name, CurrentState: current}}
}

func (rs *ReaderState) update(r *RawReaderState) {
	rs.raw.EventState = r.EventState
	n := r.ATRLen
	if n < 0 {
		n = 0
	}
	if n > MaxATRSize {
		n = MaxATRSize
	}
	rs.raw.ATR = r.ATR
	rs.raw.ATRLen = n
}

func (rs *ReaderState) Name() string { return rs.raw.Reader }
func (rs *ReaderState) CurrentState() State { return rs.raw.CurrentState }

// EventState is the last reported state, without the event counter.
func (rs *ReaderState) EventState() State { return rs.raw.EventState.Flags() }

// EventCount is the reader's event counter from the upper 16 bits of the
// event state.
func (rs *ReaderState) EventCount() uint32 { return rs.raw.EventState.Count() }

// ATR returns the card ATR reported with the last event state.
func (rs *ReaderState) ATR() []byte {
	return rs.raw.ATR[:rs.raw.ATRLen]
}

// Changed reports whether the last call flagged this reader as changed.
func (rs *ReaderState) Changed() bool {
	return rs.raw.EventState&StateChanged != 0
}

// SyncCurrentState makes the reported state the new current state, so the
// next GetStatusChange waits for the change after it. The event counter is
// kept so the resource manager can detect missed events.
func (rs *ReaderState) SyncCurrentState() {
	rs.raw.CurrentState = rs.raw.EventState
}

// SetCurrentState overrides the current state.
func (rs *ReaderState) SetCurrentState(s State) {
	rs.raw.CurrentState = s
}
