package core

import (
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// EventType names a reader or card change.
type EventType string

const (
	EventReaderAdded   EventType = "reader_added"
	EventReaderRemoved EventType = "reader_removed"
	EventCardInserted  EventType = "card_inserted"
	EventCardRemoved   EventType = "card_removed"
	EventStateChanged  EventType = "state_changed"
)

// Event is a change observed by the Monitor.
type Event struct {
	Type   EventType `json:"type"`
	Reader string    `json:"reader"`
	State  []string  `json:"state,omitempty"`
	ATR    string    `json:"atr,omitempty"`
	Time   time.Time `json:"time"`
}

// Monitor watches readers and cards on its own context. The first events
// after start describe the readers and cards already present.
//
// With a driver that supports the PnP pseudo reader the monitor blocks in
// GetStatusChange until something happens; otherwise it wakes up every
// PollInterval to re-list readers, and without GetStatusChange at all it
// only reports readers coming and going.
type Monitor struct {
	svc       *Service
	ctx       *pcsc.Context
	canceller *pcsc.Context
	events    chan Event

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	pnp    bool
	noWait bool
	known  []pcsc.ReaderState
	pnpRS  pcsc.ReaderState
}

// Monitor starts watching. Events are delivered on a channel with the
// given buffer; the monitor blocks while it is full.
func (s *Service) Monitor(buffer int) (*Monitor, error) {
	ctx, err := pcsc.Establish(s.ctx.Driver(), s.opts.Scope)
	if err != nil {
		return nil, err
	}
	canceller, err := ctx.Clone()
	if err != nil {
		_ = ctx.Close()
		return nil, err
	}
	m := &Monitor{
		svc:       s,
		ctx:       ctx,
		canceller: canceller,
		events:    make(chan Event, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		pnp:       true,
		pnpRS:     pcsc.NewReaderState(pcsc.PnPNotification, pcsc.StateUnaware),
	}
	go m.run()
	return m, nil
}

// Events is closed after the monitor stops.
func (m *Monitor) Events() <-chan Event { return m.events }

// Done is closed after the monitor stops.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop ends the monitor and waits for it. A wait in progress is cancelled
// through a clone of the monitor's context; Cancel only affects a wait that
// has already started, so it is repeated until the monitor is gone.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stop)
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			if err := m.canceller.Cancel(); err != nil && !errors.Is(err, pcsc.ErrUnsupportedFeature) {
				logging.Debug(logging.CatReader, "Monitor cancel failed", map[string]any{"error": err.Error()})
			}
			select {
			case <-m.done:
				m.stopErr = m.canceller.Close()
				return
			case <-tick.C:
			}
		}
	})
	return m.stopErr
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// sleep waits d and reports false if the monitor was stopped meanwhile.
func (m *Monitor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.stop:
		return false
	case <-t.C:
		return true
	}
}

func (m *Monitor) emit(ev Event) bool {
	ev.Time = time.Now()
	select {
	case m.events <- ev:
		return true
	case <-m.stop:
		return false
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	defer close(m.events)
	defer func() {
		if err := m.ctx.Close(); err != nil {
			logging.Warn(logging.CatReader, "Monitor context close failed", map[string]any{"error": err.Error()})
		}
	}()
	defer logging.RecoverAndLog("reader monitor", false)

	logging.Info(logging.CatReader, "Reader monitor started", nil)
	for !m.stopped() {
		if !m.syncReaders() {
			return
		}
		if m.noWait {
			if !m.sleep(m.svc.opts.PollInterval) {
				return
			}
			continue
		}
		if !m.wait() {
			return
		}
	}
}

// syncReaders re-lists readers and reports arrivals and removals.
func (m *Monitor) syncReaders() bool {
	all, err := m.ctx.ListReadersOwned()
	if err != nil {
		logging.Warn(logging.CatReader, "Listing readers failed", map[string]any{"error": err.Error()})
		return m.sleep(m.svc.opts.PollInterval)
	}
	names := slices.DeleteFunc(all, m.svc.hidden)

	kept := m.known[:0]
	var removed []string
	for _, rs := range m.known {
		if slices.Contains(names, rs.Name()) {
			kept = append(kept, rs)
		} else {
			removed = append(removed, rs.Name())
		}
	}
	m.known = kept

	for _, name := range removed {
		logging.Info(logging.CatReader, "Reader removed", map[string]any{"reader": name})
		if !m.emit(Event{Type: EventReaderRemoved, Reader: name}) {
			return false
		}
	}
	for _, name := range names {
		if slices.ContainsFunc(m.known, func(rs pcsc.ReaderState) bool { return rs.Name() == name }) {
			continue
		}
		m.known = append(m.known, pcsc.NewReaderState(name, pcsc.StateUnaware))
		logging.Info(logging.CatReader, "Reader added", map[string]any{"reader": name})
		if !m.emit(Event{Type: EventReaderAdded, Reader: name}) {
			return false
		}
	}
	return true
}

// wait blocks in GetStatusChange and reports the card changes.
func (m *Monitor) wait() bool {
	states := slices.Clone(m.known)
	timeout := m.svc.opts.PollInterval
	if m.pnp {
		states = append(states, m.pnpRS)
		timeout = pcsc.Infinite
	}
	if len(states) == 0 {
		return m.sleep(m.svc.opts.PollInterval)
	}

	err := m.ctx.GetStatusChange(timeout, states)
	switch {
	case err == nil:
	case errors.Is(err, pcsc.ErrTimeout):
		return true
	case errors.Is(err, pcsc.ErrCancelled):
		return !m.stopped()
	case errors.Is(err, pcsc.ErrUnsupportedFeature):
		logging.Info(logging.CatReader, "Status change waits unsupported, polling reader list", nil)
		m.noWait = true
		return true
	case errors.Is(err, pcsc.ErrUnknownReader), errors.Is(err, pcsc.ErrReaderUnavailable):
		return true
	default:
		logging.Warn(logging.CatReader, "Waiting for status change failed", map[string]any{"error": err.Error()})
		logging.CaptureError(err, "reader monitor", map[string]interface{}{"readers": len(m.known)})
		return m.sleep(m.svc.opts.PollInterval)
	}

	if m.pnp {
		m.pnpRS = states[len(states)-1]
		states = states[:len(states)-1]
		if m.pnpRS.EventState()&(pcsc.StateUnknown|pcsc.StateIgnore) != 0 {
			logging.Info(logging.CatReader, "PnP notification unsupported, polling for readers", nil)
			m.pnp = false
		} else {
			m.pnpRS.SyncCurrentState()
		}
	}

	for i := range states {
		rs := &states[i]
		if !rs.Changed() {
			continue
		}
		// Gone readers are reported by the next re-list.
		if rs.EventState()&(pcsc.StateUnknown|pcsc.StateIgnore) != 0 {
			continue
		}
		if ev, ok := cardEvent(rs.CurrentState(), rs); ok {
			if !m.emit(ev) {
				return false
			}
		}
		rs.SyncCurrentState()
	}
	m.known = states
	return true
}

// cardEvent classifies the change from prev to the state reported in rs.
func cardEvent(prev pcsc.State, rs *pcsc.ReaderState) (Event, bool) {
	now := rs.EventState()
	ev := Event{Reader: rs.Name(), State: now.Names()}
	wasPresent := prev&pcsc.StatePresent != 0
	isPresent := now&pcsc.StatePresent != 0

	switch {
	case isPresent && (!wasPresent || rs.EventCount() != prev.Count()):
		ev.Type = EventCardInserted
		ev.ATR = hex.EncodeToString(rs.ATR())
	case wasPresent && !isPresent:
		ev.Type = EventCardRemoved
	case prev == pcsc.StateUnaware:
		// Initial state of an empty reader.
		return ev, false
	default:
		ev.Type = EventStateChanged
	}
	logging.Debug(logging.CatReader, "Reader state changed", map[string]any{
		"reader": ev.Reader,
		"event":  string(ev.Type),
		"state":  now.String(),
	})
	return ev, true
}
