//go:build cgo || windows

// Package scard runs the agent on github.com/ebfe/scard, the cgo binding to
// the system PC/SC library (pcsc-lite, PCSC.framework or WinSCard).
//
// ebfe/scard allocates its own buffers, so this driver emulates the
// length-query convention of pcsc.Driver on top of complete results. For
// Transmit and Control that means the command has already run when a short
// buffer is reported.
package scard

import (
	"errors"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/pcsc-agent/internal/driver"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Name is the registry name of this driver.
const Name = "scard"

func init() {
	driver.Register(Name, 20, func() (pcsc.Driver, error) {
		return New(), nil
	})
}

// Driver adapts ebfe/scard to pcsc.Driver.
type Driver struct {
	mu       sync.Mutex
	next     uintptr
	contexts map[pcsc.ContextHandle]*scard.Context
	cards    map[pcsc.CardHandle]*scard.Card
}

// New returns a driver with empty handle tables.
func New() *Driver {
	return &Driver{
		contexts: make(map[pcsc.ContextHandle]*scard.Context),
		cards:    make(map[pcsc.CardHandle]*scard.Card),
	}
}

// rcOf recovers the native return code from an ebfe/scard error.
func rcOf(err error) pcsc.ReturnCode {
	if err == nil {
		return pcsc.Success
	}
	var se scard.Error
	if errors.As(err, &se) {
		return pcsc.CodeFromUint32(uint32(se))
	}
	return pcsc.CodeCommError
}

func (d *Driver) context(h pcsc.ContextHandle) (*scard.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	return c, ok
}

func (d *Driver) card(h pcsc.CardHandle) (*scard.Card, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cards[h]
	return c, ok
}

// EstablishContext ignores scope; ebfe/scard always asks for the system
// scope, which pcsc-lite treats the same as every other.
func (d *Driver) EstablishContext(pcsc.Scope) (pcsc.ContextHandle, pcsc.ReturnCode) {
	c, err := scard.EstablishContext()
	if err != nil {
		return 0, rcOf(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := pcsc.ContextHandle(d.next)
	d.contexts[h] = c
	return h, pcsc.Success
}

func (d *Driver) ReleaseContext(h pcsc.ContextHandle) pcsc.ReturnCode {
	c, ok := d.context(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	if err := c.Release(); err != nil {
		return rcOf(err)
	}
	d.mu.Lock()
	delete(d.contexts, h)
	d.mu.Unlock()
	return pcsc.Success
}

func (d *Driver) IsValidContext(h pcsc.ContextHandle) pcsc.ReturnCode {
	c, ok := d.context(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	valid, err := c.IsValid()
	if err != nil {
		return rcOf(err)
	}
	if !valid {
		return pcsc.CodeInvalidHandle
	}
	return pcsc.Success
}

func (d *Driver) Cancel(h pcsc.ContextHandle) pcsc.ReturnCode {
	c, ok := d.context(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	return rcOf(c.Cancel())
}

func (d *Driver) ListReaders(h pcsc.ContextHandle, buf []byte) (int, pcsc.ReturnCode) {
	c, ok := d.context(h)
	if !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	names, err := c.ListReaders()
	if err != nil {
		return 0, rcOf(err)
	}
	return pcsc.FillBuffer(buf, pcsc.AppendMultiString(nil, names...))
}

func (d *Driver) GetStatusChange(h pcsc.ContextHandle, timeout time.Duration, states []pcsc.RawReaderState) pcsc.ReturnCode {
	c, ok := d.context(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	rs := make([]scard.ReaderState, len(states))
	for i := range states {
		rs[i] = scard.ReaderState{
			Reader:       states[i].Reader,
			CurrentState: scard.StateFlag(states[i].CurrentState),
		}
	}
	if timeout < 0 {
		timeout = -1
	}
	err := c.GetStatusChange(rs, timeout)
	for i := range rs {
		states[i].EventState = pcsc.State(rs[i].EventState)
		states[i].ATRLen = copy(states[i].ATR[:], rs[i].Atr)
	}
	return rcOf(err)
}

func (d *Driver) Connect(h pcsc.ContextHandle, reader string, mode pcsc.ShareMode, protocols pcsc.Protocols) (pcsc.CardHandle, pcsc.Protocol, pcsc.ReturnCode) {
	c, ok := d.context(h)
	if !ok {
		return 0, pcsc.ProtocolUndefined, pcsc.CodeInvalidHandle
	}
	card, err := c.Connect(reader, scard.ShareMode(mode), scard.Protocol(pcsc.ProtocolsToNative(protocols)))
	if err != nil {
		return 0, pcsc.ProtocolUndefined, rcOf(err)
	}
	proto := activeProtocol(card, mode)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	ch := pcsc.CardHandle(d.next)
	d.cards[ch] = card
	return ch, proto, pcsc.Success
}

// activeProtocol reads the negotiated protocol back through Status, which
// is the only place ebfe/scard exposes it. Direct connections have none.
func activeProtocol(card *scard.Card, mode pcsc.ShareMode) pcsc.Protocol {
	if mode == pcsc.ShareDirect {
		return pcsc.ProtocolUndefined
	}
	st, err := card.Status()
	if err != nil {
		return pcsc.ProtocolUndefined
	}
	return pcsc.ProtocolFromNative(uint32(st.ActiveProtocol))
}

func (d *Driver) Reconnect(h pcsc.CardHandle, mode pcsc.ShareMode, protocols pcsc.Protocols, init pcsc.Disposition) (pcsc.Protocol, pcsc.ReturnCode) {
	card, ok := d.card(h)
	if !ok {
		return pcsc.ProtocolUndefined, pcsc.CodeInvalidHandle
	}
	err := card.Reconnect(scard.ShareMode(mode), scard.Protocol(pcsc.ProtocolsToNative(protocols)), scard.Disposition(init))
	if err != nil {
		return pcsc.ProtocolUndefined, rcOf(err)
	}
	return activeProtocol(card, mode), pcsc.Success
}

func (d *Driver) Disconnect(h pcsc.CardHandle, disp pcsc.Disposition) pcsc.ReturnCode {
	card, ok := d.card(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	if err := card.Disconnect(scard.Disposition(disp)); err != nil {
		return rcOf(err)
	}
	d.mu.Lock()
	delete(d.cards, h)
	d.mu.Unlock()
	return pcsc.Success
}

func (d *Driver) BeginTransaction(h pcsc.CardHandle) pcsc.ReturnCode {
	card, ok := d.card(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	return rcOf(card.BeginTransaction())
}

func (d *Driver) EndTransaction(h pcsc.CardHandle, disp pcsc.Disposition) pcsc.ReturnCode {
	card, ok := d.card(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	return rcOf(card.EndTransaction(scard.Disposition(disp)))
}

func (d *Driver) Status(h pcsc.CardHandle, names, atr []byte) (pcsc.StatusResult, pcsc.ReturnCode) {
	card, ok := d.card(h)
	if !ok {
		return pcsc.StatusResult{}, pcsc.CodeInvalidHandle
	}
	st, err := card.Status()
	if err != nil {
		return pcsc.StatusResult{}, rcOf(err)
	}
	res := pcsc.StatusResult{
		State:    pcsc.StatusFromNative(uint32(st.State)),
		Protocol: pcsc.ProtocolFromNative(uint32(st.ActiveProtocol)),
	}
	var rcNames, rcATR pcsc.ReturnCode
	res.NamesLen, rcNames = pcsc.FillBuffer(names, pcsc.AppendMultiString(nil, st.Reader))
	res.ATRLen, rcATR = pcsc.FillBuffer(atr, st.Atr)
	if rcNames != pcsc.Success {
		return res, rcNames
	}
	return res, rcATR
}

func (d *Driver) Transmit(h pcsc.CardHandle, _ pcsc.Protocol, send, recv []byte) (int, pcsc.ReturnCode) {
	card, ok := d.card(h)
	if !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	rsp, err := card.Transmit(send)
	if err != nil {
		return 0, rcOf(err)
	}
	return pcsc.FillBuffer(recv, rsp)
}

func (d *Driver) Control(h pcsc.CardHandle, code uint32, send, recv []byte) (int, pcsc.ReturnCode) {
	card, ok := d.card(h)
	if !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	rsp, err := card.Control(code, send)
	if err != nil {
		return 0, rcOf(err)
	}
	return pcsc.FillBuffer(recv, rsp)
}

func (d *Driver) GetAttrib(h pcsc.CardHandle, attr pcsc.Attribute, buf []byte) (int, pcsc.ReturnCode) {
	card, ok := d.card(h)
	if !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	val, err := card.GetAttrib(scard.Attrib(attr))
	if err != nil {
		return 0, rcOf(err)
	}
	return pcsc.FillBuffer(buf, val)
}

func (d *Driver) SetAttrib(h pcsc.CardHandle, attr pcsc.Attribute, data []byte) pcsc.ReturnCode {
	card, ok := d.card(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	return rcOf(card.SetAttrib(scard.Attrib(attr), data))
}

var _ pcsc.Driver = (*Driver)(nil)
