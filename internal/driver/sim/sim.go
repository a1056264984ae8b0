// Package sim is an in-process PC/SC resource manager. It backs the tests
// of the pcsc package and the agent, and the agent's "sim" driver for
// running without hardware.
//
// It follows pcsc-lite semantics where they are observable: reader state
// masks with event counters, share mode conflicts, transaction ownership,
// reset and removal notifications and cancellable status waits. Two
// simplifications apply: BeginTransaction fails with SharingViolation
// instead of blocking, and Transmit copies the response after executing the
// command even if the buffer turns out too small.
package sim

import (
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

var (
	rcInsufficientBuffer = pcsc.CodeFromUint32(0x80100008)
	rcInvalidHandle      = pcsc.CodeFromUint32(0x80100003)
	rcInvalidValue       = pcsc.CodeFromUint32(0x80100011)
	rcUnknownReader      = pcsc.CodeFromUint32(0x80100009)
	rcTimeout            = pcsc.CodeFromUint32(0x8010000A)
	rcSharingViolation   = pcsc.CodeFromUint32(0x8010000B)
	rcNoSmartcard        = pcsc.CodeFromUint32(0x8010000C)
	rcProtoMismatch      = pcsc.CodeFromUint32(0x8010000F)
	rcCancelled          = pcsc.CodeFromUint32(0x80100002)
	rcNotTransacted      = pcsc.CodeFromUint32(0x80100016)
	rcReaderUnavailable  = pcsc.CodeFromUint32(0x80100017)
	rcNoReaders          = pcsc.CodeFromUint32(0x8010002E)
	rcResetCard          = pcsc.CodeFromUint32(0x80100068)
	rcRemovedCard        = pcsc.CodeFromUint32(0x80100069)
	rcNoService          = pcsc.CodeFromUint32(0x8010001D)
)

// ControlHandler answers SCardControl for a reader.
type ControlHandler func(code uint32, in []byte) ([]byte, pcsc.ReturnCode)

type reader struct {
	name    string
	card    *Card
	events  uint32
	resets  uint64
	removed bool
	locker  pcsc.CardHandle
	attrs   map[pcsc.Attribute][]byte
	control ControlHandler
}

type conn struct {
	ctx      pcsc.ContextHandle
	reader   *reader
	mode     pcsc.ShareMode
	protocol pcsc.Protocol
	card     *Card
	resets   uint64
}

type simContext struct {
	scope  pcsc.Scope
	cancel chan struct{}
}

// Driver is a simulated resource manager. The zero value is not usable;
// call New.
type Driver struct {
	mu       sync.Mutex
	readers  []*reader
	contexts map[pcsc.ContextHandle]*simContext
	conns    map[pcsc.CardHandle]*conn
	next     uintptr
	changed  chan struct{}
	calls    map[string]int
	failures map[string][]pcsc.ReturnCode
	pnp      bool
	down     bool
}

// New returns an empty resource manager with PnP notifications enabled.
func New() *Driver {
	return &Driver{
		contexts: map[pcsc.ContextHandle]*simContext{},
		conns:    map[pcsc.CardHandle]*conn{},
		next:     0x1000,
		changed:  make(chan struct{}),
		calls:    map[string]int{},
		failures: map[string][]pcsc.ReturnCode{},
		pnp:      true,
	}
}

// NewDemo returns a resource manager with one reader holding a card, used
// by the agent's sim driver.
func NewDemo() *Driver {
	d := New()
	d.AddReader("SimplyPrint Virtual Reader 00")
	card := NewCard(
		[]byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A},
		[]byte{0x04, 0xA2, 0x2B, 0x6A, 0x91, 0x5C, 0x80},
	).WithApp([]byte{0xA0, 0x00, 0x00, 0x03, 0x08}, []byte{0x61, 0x04, 0x4F, 0x02, 0x10, 0x00})
	d.InsertCard("SimplyPrint Virtual Reader 00", card)
	return d
}

// SetPnP turns support for the PnP pseudo reader on or off.
func (d *Driver) SetPnP(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pnp = on
}

// SetServiceDown makes EstablishContext fail with NoService.
func (d *Driver) SetServiceDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// FailNext makes the next call of op return rc without doing anything. op
// is the Driver method name, for example "ReleaseContext".
func (d *Driver) FailNext(op string, rc pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], rc)
}

// Calls returns how often op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Contexts returns the number of live contexts.
func (d *Driver) Contexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

// Connections returns the number of live card handles.
func (d *Driver) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// enter counts the call and pops an injected failure. Callers hold d.mu.
func (d *Driver) enter(op string) (pcsc.ReturnCode, bool) {
	d.calls[op]++
	if q := d.failures[op]; len(q) > 0 {
		d.failures[op] = q[1:]
		return q[0], true
	}
	return pcsc.Success, false
}

func (d *Driver) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Driver) handle() uintptr {
	d.next++
	return d.next
}

func (d *Driver) find(name string) *reader {
	for _, r := range d.readers {
		if r.name == name {
			return r
		}
	}
	return nil
}

// AddReader plugs in a reader.
func (d *Driver) AddReader(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.find(name) != nil {
		return
	}
	d.readers = append(d.readers, &reader{name: name, attrs: map[pcsc.Attribute][]byte{}})
	d.notify()
	logging.Debug(logging.CatDriver, "Simulated reader added", map[string]any{"reader": name})
}

// RemoveReader unplugs a reader. Open connections fail with
// ReaderUnavailable afterwards.
func (d *Driver) RemoveReader(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.readers {
		if r.name == name {
			r.removed = true
			d.readers = append(d.readers[:i], d.readers[i+1:]...)
			d.notify()
			logging.Debug(logging.CatDriver, "Simulated reader removed", map[string]any{"reader": name})
			return
		}
	}
}

// InsertCard puts card into the named reader, replacing any card there.
func (d *Driver) InsertCard(name string, card *Card) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.find(name)
	if r == nil {
		return
	}
	r.card = card
	r.events++
	d.notify()
	logging.Debug(logging.CatDriver, "Simulated card inserted", map[string]any{"reader": name})
}

// RemoveCard takes the card out of the named reader.
func (d *Driver) RemoveCard(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.find(name)
	if r == nil || r.card == nil {
		return
	}
	r.card = nil
	r.locker = 0
	r.events++
	d.notify()
	logging.Debug(logging.CatDriver, "Simulated card removed", map[string]any{"reader": name})
}

// ResetCard resets the card in the named reader as another application
// would. Connections see ResetCard until they reconnect.
func (d *Driver) ResetCard(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.find(name); r != nil {
		r.resets++
		r.locker = 0
	}
}

// SetControlHandler installs the SCardControl responder of a reader.
func (d *Driver) SetControlHandler(name string, h ControlHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.find(name); r != nil {
		r.control = h
	}
}

func (d *Driver) state(r *reader) pcsc.State {
	var s pcsc.State
	if r.card == nil {
		s = pcsc.StateEmpty
	} else {
		s = pcsc.StatePresent
		for _, c := range d.conns {
			if c.reader != r {
				continue
			}
			if c.mode == pcsc.ShareExclusive {
				s |= pcsc.StateExclusive
			} else {
				s |= pcsc.StateInUse
			}
		}
	}
	return s | pcsc.State(r.events&0xFFFF)<<16
}

var _ pcsc.Driver = (*Driver)(nil)

func (d *Driver) EstablishContext(scope pcsc.Scope) (pcsc.ContextHandle, pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("EstablishContext"); failed {
		return 0, rc
	}
	if d.down {
		return 0, rcNoService
	}
	if scope > pcsc.ScopeGlobal {
		return 0, rcInvalidValue
	}
	h := pcsc.ContextHandle(d.handle())
	d.contexts[h] = &simContext{scope: scope, cancel: make(chan struct{})}
	return h, pcsc.Success
}

func (d *Driver) ReleaseContext(ctx pcsc.ContextHandle) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("ReleaseContext"); failed {
		return rc
	}
	sc, ok := d.contexts[ctx]
	if !ok {
		return rcInvalidHandle
	}
	delete(d.contexts, ctx)
	close(sc.cancel)
	for h, c := range d.conns {
		if c.ctx == ctx {
			if c.reader.locker == h {
				c.reader.locker = 0
			}
			delete(d.conns, h)
		}
	}
	return pcsc.Success
}

func (d *Driver) IsValidContext(ctx pcsc.ContextHandle) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("IsValidContext"); failed {
		return rc
	}
	if _, ok := d.contexts[ctx]; !ok {
		return rcInvalidHandle
	}
	return pcsc.Success
}

func (d *Driver) Cancel(ctx pcsc.ContextHandle) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("Cancel"); failed {
		return rc
	}
	sc, ok := d.contexts[ctx]
	if !ok {
		return rcInvalidHandle
	}
	close(sc.cancel)
	sc.cancel = make(chan struct{})
	return pcsc.Success
}

func (d *Driver) ListReaders(ctx pcsc.ContextHandle, buf []byte) (int, pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("ListReaders"); failed {
		return 0, rc
	}
	if _, ok := d.contexts[ctx]; !ok {
		return 0, rcInvalidHandle
	}
	if len(d.readers) == 0 {
		return 0, rcNoReaders
	}
	names := make([]string, len(d.readers))
	for i, r := range d.readers {
		names[i] = r.name
	}
	return pcsc.FillBuffer(buf, pcsc.AppendMultiString(nil, names...))
}

func (d *Driver) GetStatusChange(ctx pcsc.ContextHandle, timeout time.Duration, states []pcsc.RawReaderState) pcsc.ReturnCode {
	d.mu.Lock()
	if rc, failed := d.enter("GetStatusChange"); failed {
		d.mu.Unlock()
		return rc
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		sc, ok := d.contexts[ctx]
		if !ok {
			d.mu.Unlock()
			return rcInvalidHandle
		}
		if d.evaluate(states) {
			d.mu.Unlock()
			return pcsc.Success
		}
		if timeout == 0 {
			d.mu.Unlock()
			return rcTimeout
		}
		changed, cancel := d.changed, sc.cancel
		d.mu.Unlock()

		select {
		case <-changed:
		case <-cancel:
			return rcCancelled
		case <-deadline:
			return rcTimeout
		}
		d.mu.Lock()
	}
}

// evaluate fills in event states and reports whether any differs from
// the caller's current state. Callers hold d.mu.
func (d *Driver) evaluate(states []pcsc.RawReaderState) bool {
	changedAny := false
	for i := range states {
		st := &states[i]
		if st.CurrentState&pcsc.StateIgnore != 0 {
			st.EventState = pcsc.StateIgnore
			continue
		}

		var actual pcsc.State
		st.ATRLen = 0
		switch r := d.find(st.Reader); {
		case pcsc.IsPnPNotification(st.Reader):
			if !d.pnp {
				st.EventState = pcsc.StateUnknown | pcsc.StateChanged | pcsc.StateIgnore
				changedAny = true
				continue
			}
			actual = pcsc.State(len(d.readers)) << 16
		case r == nil:
			st.EventState = pcsc.StateUnknown | pcsc.StateChanged | pcsc.StateIgnore
			changedAny = true
			continue
		default:
			actual = d.state(r)
			if r.card != nil {
				st.ATRLen = copy(st.ATR[:], r.card.ATR)
			}
		}

		current := st.CurrentState &^ pcsc.StateChanged
		if current != actual {
			actual |= pcsc.StateChanged
			changedAny = true
		}
		st.EventState = actual
	}
	return changedAny
}

func (d *Driver) Connect(ctx pcsc.ContextHandle, name string, mode pcsc.ShareMode, protocols pcsc.Protocols) (pcsc.CardHandle, pcsc.Protocol, pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("Connect"); failed {
		return 0, 0, rc
	}
	if _, ok := d.contexts[ctx]; !ok {
		return 0, 0, rcInvalidHandle
	}
	r := d.find(name)
	if r == nil {
		return 0, 0, rcUnknownReader
	}
	if mode < pcsc.ShareExclusive || mode > pcsc.ShareDirect {
		return 0, 0, rcInvalidValue
	}

	proto := pcsc.ProtocolUndefined
	if mode != pcsc.ShareDirect {
		if r.card == nil {
			return 0, 0, rcNoSmartcard
		}
		if !protocols.Has(r.card.Protocol) {
			return 0, 0, rcProtoMismatch
		}
		proto = r.card.Protocol
	} else if r.card != nil && protocols.Has(r.card.Protocol) {
		proto = r.card.Protocol
	}

	for _, c := range d.conns {
		if c.reader != r {
			continue
		}
		if c.mode == pcsc.ShareExclusive || mode == pcsc.ShareExclusive {
			return 0, 0, rcSharingViolation
		}
	}

	h := pcsc.CardHandle(d.handle())
	d.conns[h] = &conn{ctx: ctx, reader: r, mode: mode, protocol: proto, card: r.card, resets: r.resets}
	d.notify()
	return h, proto, pcsc.Success
}

// live validates a card handle against removal and reset. Callers hold
// d.mu.
func (d *Driver) live(h pcsc.CardHandle, needCard bool) (*conn, pcsc.ReturnCode) {
	c, ok := d.conns[h]
	if !ok {
		return nil, rcInvalidHandle
	}
	if c.reader.removed {
		return nil, rcReaderUnavailable
	}
	if c.card != nil && c.reader.card != c.card {
		return nil, rcRemovedCard
	}
	if c.card != nil && c.resets != c.reader.resets {
		return nil, rcResetCard
	}
	if needCard && c.card == nil {
		return nil, rcNoSmartcard
	}
	return c, pcsc.Success
}

func (d *Driver) Reconnect(h pcsc.CardHandle, mode pcsc.ShareMode, protocols pcsc.Protocols, init pcsc.Disposition) (pcsc.Protocol, pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("Reconnect"); failed {
		return 0, rc
	}
	c, ok := d.conns[h]
	if !ok {
		return 0, rcInvalidHandle
	}
	r := c.reader
	if r.removed {
		return 0, rcReaderUnavailable
	}
	if r.card == nil {
		return 0, rcNoSmartcard
	}
	if mode != pcsc.ShareDirect && !protocols.Has(r.card.Protocol) {
		return 0, rcProtoMismatch
	}
	if init == pcsc.ResetCard || init == pcsc.UnpowerCard {
		r.resets++
		if r.locker != h {
			r.locker = 0
		}
	}
	c.mode = mode
	c.card = r.card
	c.resets = r.resets
	c.protocol = pcsc.ProtocolUndefined
	if protocols.Has(r.card.Protocol) {
		c.protocol = r.card.Protocol
	}
	return c.protocol, pcsc.Success
}

func (d *Driver) Disconnect(h pcsc.CardHandle, disp pcsc.Disposition) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("Disconnect"); failed {
		return rc
	}
	c, ok := d.conns[h]
	if !ok {
		return rcInvalidHandle
	}
	delete(d.conns, h)
	r := c.reader
	if r.locker == h {
		r.locker = 0
	}
	if disp != pcsc.LeaveCard && r.card != nil && r.card == c.card {
		r.resets++
	}
	d.notify()
	return pcsc.Success
}

func (d *Driver) BeginTransaction(h pcsc.CardHandle) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("BeginTransaction"); failed {
		return rc
	}
	c, rc := d.live(h, true)
	if rc != pcsc.Success {
		return rc
	}
	if c.reader.locker != 0 && c.reader.locker != h {
		return rcSharingViolation
	}
	c.reader.locker = h
	return pcsc.Success
}

func (d *Driver) EndTransaction(h pcsc.CardHandle, disp pcsc.Disposition) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("EndTransaction"); failed {
		return rc
	}
	c, ok := d.conns[h]
	if !ok {
		return rcInvalidHandle
	}
	if c.reader.locker != h {
		return rcNotTransacted
	}
	c.reader.locker = 0
	if disp != pcsc.LeaveCard && c.reader.card != nil {
		c.reader.resets++
		c.resets = c.reader.resets
	}
	return pcsc.Success
}

func (d *Driver) Status(h pcsc.CardHandle, names, atr []byte) (pcsc.StatusResult, pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("Status"); failed {
		return pcsc.StatusResult{}, rc
	}
	c, rc := d.live(h, false)
	if rc != pcsc.Success {
		return pcsc.StatusResult{}, rc
	}

	res := pcsc.StatusResult{Protocol: c.protocol}
	var cardATR []byte
	switch {
	case c.reader.card == nil:
		res.State = pcsc.StatusAbsent
	case c.protocol != pcsc.ProtocolUndefined:
		res.State = pcsc.StatusPresent | pcsc.StatusPowered | pcsc.StatusSpecific
		cardATR = c.reader.card.ATR
	default:
		res.State = pcsc.StatusPresent | pcsc.StatusPowered | pcsc.StatusNegotiable
		cardATR = c.reader.card.ATR
	}

	n, nrc := pcsc.FillBuffer(names, pcsc.AppendMultiString(nil, c.reader.name))
	a, arc := pcsc.FillBuffer(atr, cardATR)
	res.NamesLen, res.ATRLen = n, a
	if nrc != pcsc.Success || arc != pcsc.Success {
		return res, rcInsufficientBuffer
	}
	return res, pcsc.Success
}

func (d *Driver) Transmit(h pcsc.CardHandle, proto pcsc.Protocol, send, recv []byte) (int, pcsc.ReturnCode) {
	d.mu.Lock()
	if rc, failed := d.enter("Transmit"); failed {
		d.mu.Unlock()
		return 0, rc
	}
	c, rc := d.live(h, true)
	if rc != pcsc.Success {
		d.mu.Unlock()
		return 0, rc
	}
	if c.reader.locker != 0 && c.reader.locker != h {
		d.mu.Unlock()
		return 0, rcSharingViolation
	}
	if proto == pcsc.ProtocolUndefined || proto != c.protocol {
		d.mu.Unlock()
		return 0, rcProtoMismatch
	}
	card := c.card
	d.mu.Unlock()

	return pcsc.FillBuffer(recv, card.respond(send))
}

func (d *Driver) Control(h pcsc.CardHandle, code uint32, send, recv []byte) (int, pcsc.ReturnCode) {
	d.mu.Lock()
	if rc, failed := d.enter("Control"); failed {
		d.mu.Unlock()
		return 0, rc
	}
	c, ok := d.conns[h]
	if !ok {
		d.mu.Unlock()
		return 0, rcInvalidHandle
	}
	handler := c.reader.control
	d.mu.Unlock()

	if handler == nil {
		handler = defaultControl
	}
	out, rc := handler(code, send)
	if rc != pcsc.Success {
		return 0, rc
	}
	return pcsc.FillBuffer(recv, out)
}

// FeatureRequest is the CCID GET_FEATURE_REQUEST control code number.
const FeatureRequest = 3400

func defaultControl(code uint32, _ []byte) ([]byte, pcsc.ReturnCode) {
	if code == pcsc.CtlCode(FeatureRequest) {
		return []byte{}, pcsc.Success
	}
	return nil, pcsc.ErrUnsupportedFeature.Code()
}

func (d *Driver) GetAttrib(h pcsc.CardHandle, attr pcsc.Attribute, buf []byte) (int, pcsc.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("GetAttrib"); failed {
		return 0, rc
	}
	c, rc := d.live(h, false)
	if rc != pcsc.Success {
		return 0, rc
	}
	r := c.reader
	if v, ok := r.attrs[attr]; ok {
		return pcsc.FillBuffer(buf, v)
	}

	switch attr {
	case pcsc.AttrVendorName:
		return pcsc.FillBuffer(buf, []byte("SimplyPrint\x00"))
	case pcsc.AttrVendorIFDType:
		return pcsc.FillBuffer(buf, []byte("Virtual PC/SC Reader\x00"))
	case pcsc.AttrVendorIFDVersion:
		return pcsc.FillBuffer(buf, []byte{0x00, 0x00, 0x01, 0x01})
	case pcsc.AttrChannelID:
		return pcsc.FillBuffer(buf, []byte{0x00, 0x00, 0x20, 0x00})
	case pcsc.AttrDeviceFriendlyName, pcsc.AttrDeviceSystemName:
		return pcsc.FillBuffer(buf, append([]byte(r.name), 0))
	case pcsc.AttrICCPresence:
		if r.card == nil {
			return pcsc.FillBuffer(buf, []byte{0})
		}
		return pcsc.FillBuffer(buf, []byte{2})
	case pcsc.AttrATRString:
		if r.card == nil {
			return 0, rcNoSmartcard
		}
		return pcsc.FillBuffer(buf, r.card.ATR)
	case pcsc.AttrCurrentProtocolType:
		return pcsc.FillBuffer(buf, []byte{byte(c.protocol), 0, 0, 0})
	case pcsc.AttrMaxInput:
		return pcsc.FillBuffer(buf, []byte{0x00, 0x01, 0x00, 0x00})
	}
	return 0, pcsc.ErrUnsupportedFeature.Code()
}

func (d *Driver) SetAttrib(h pcsc.CardHandle, attr pcsc.Attribute, data []byte) pcsc.ReturnCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc, failed := d.enter("SetAttrib"); failed {
		return rc
	}
	c, rc := d.live(h, false)
	if rc != pcsc.Success {
		return rc
	}
	c.reader.attrs[attr] = append([]byte{}, data...)
	return pcsc.Success
}
