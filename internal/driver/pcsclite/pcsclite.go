//go:build !windows

// Package pcsclite talks to pcscd over its UNIX socket using
// github.com/gballet/go-libpcsclite, so the agent can run without cgo.
//
// The client covers contexts, reader listing, connections and Transmit.
// Everything else reports unsupported feature, which makes the monitor fall
// back to polling. Transactions are unsupported as well, so the agent
// exchanges APDUs without holding the card lock.
package pcsclite

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	libpcsclite "github.com/gballet/go-libpcsclite"

	"github.com/SimplyPrint/pcsc-agent/internal/driver"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Name is the registry name of this driver.
const Name = "pcsclite"

func init() {
	driver.Register(Name, 10, func() (pcsc.Driver, error) {
		return New(libpcsclite.PCSCDSockName), nil
	})
}

var errUnsupported = pcsc.ErrUnsupportedFeature.Code()

// Driver adapts a pcscd socket client to pcsc.Driver.
type Driver struct {
	socket string

	mu       sync.Mutex
	next     uintptr
	contexts map[pcsc.ContextHandle]*libpcsclite.Client
	cards    map[pcsc.CardHandle]*libpcsclite.Card
}

// New returns a driver that dials pcscd at socket.
func New(socket string) *Driver {
	return &Driver{
		socket:   socket,
		contexts: make(map[pcsc.ContextHandle]*libpcsclite.Client),
		cards:    make(map[pcsc.CardHandle]*libpcsclite.Card),
	}
}

func (d *Driver) client(h pcsc.ContextHandle) (*libpcsclite.Client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	return c, ok
}

func (d *Driver) card(h pcsc.CardHandle) (*libpcsclite.Card, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cards[h]
	return c, ok
}

// The client formats pcscd return codes into its messages, as hex in
// "invalid return code: 8010000c (...)" and as decimal in "expected 0, got
// 2148532236 (...)".
var (
	hexCode = regexp.MustCompile(`return code: ([0-9a-fA-F]+)`)
	decCode = regexp.MustCompile(`got ([0-9]+) \(`)
)

// rcOf recovers the pcscd return code from a client failure. Socket errors
// and anything without a code become a communication error.
func rcOf(err error) pcsc.ReturnCode {
	if err == nil {
		return pcsc.Success
	}
	msg := err.Error()
	if m := hexCode.FindStringSubmatch(msg); m != nil {
		if c, perr := strconv.ParseUint(m[1], 16, 32); perr == nil && c != 0 {
			return pcsc.CodeFromUint32(uint32(c))
		}
	}
	if m := decCode.FindStringSubmatch(msg); m != nil {
		if c, perr := strconv.ParseUint(m[1], 10, 32); perr == nil && c != 0 {
			return pcsc.CodeFromUint32(uint32(c))
		}
	}
	return pcsc.CodeCommError
}

func (d *Driver) EstablishContext(scope pcsc.Scope) (pcsc.ContextHandle, pcsc.ReturnCode) {
	c, err := libpcsclite.EstablishContext(d.socket, uint32(scope))
	if err != nil {
		return 0, pcsc.ErrNoService.Code()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := pcsc.ContextHandle(d.next)
	d.contexts[h] = c
	return h, pcsc.Success
}

func (d *Driver) ReleaseContext(h pcsc.ContextHandle) pcsc.ReturnCode {
	c, ok := d.client(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	if err := c.ReleaseContext(); err != nil {
		return rcOf(err)
	}
	d.mu.Lock()
	delete(d.contexts, h)
	d.mu.Unlock()
	return pcsc.Success
}

func (d *Driver) IsValidContext(h pcsc.ContextHandle) pcsc.ReturnCode {
	if _, ok := d.client(h); !ok {
		return pcsc.CodeInvalidHandle
	}
	return pcsc.Success
}

func (d *Driver) Cancel(h pcsc.ContextHandle) pcsc.ReturnCode {
	if _, ok := d.client(h); !ok {
		return pcsc.CodeInvalidHandle
	}
	return errUnsupported
}

func (d *Driver) ListReaders(h pcsc.ContextHandle, buf []byte) (int, pcsc.ReturnCode) {
	c, ok := d.client(h)
	if !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	names, err := c.ListReaders()
	if err != nil {
		return 0, rcOf(err)
	}
	if len(names) == 0 {
		return 0, pcsc.ErrNoReadersAvailable.Code()
	}
	return pcsc.FillBuffer(buf, pcsc.AppendMultiString(nil, names...))
}

func (d *Driver) GetStatusChange(h pcsc.ContextHandle, _ time.Duration, _ []pcsc.RawReaderState) pcsc.ReturnCode {
	if _, ok := d.client(h); !ok {
		return pcsc.CodeInvalidHandle
	}
	return errUnsupported
}

// assumedProtocol picks what the connection most likely negotiated; the
// client keeps the real value private.
func assumedProtocol(mode pcsc.ShareMode, protocols pcsc.Protocols) pcsc.Protocol {
	switch {
	case mode == pcsc.ShareDirect:
		return pcsc.ProtocolUndefined
	case protocols.Has(pcsc.ProtocolT1):
		return pcsc.ProtocolT1
	case protocols.Has(pcsc.ProtocolT0):
		return pcsc.ProtocolT0
	case protocols.Has(pcsc.ProtocolRaw):
		return pcsc.ProtocolRaw
	}
	return pcsc.ProtocolUndefined
}

func (d *Driver) Connect(h pcsc.ContextHandle, reader string, mode pcsc.ShareMode, protocols pcsc.Protocols) (pcsc.CardHandle, pcsc.Protocol, pcsc.ReturnCode) {
	c, ok := d.client(h)
	if !ok {
		return 0, pcsc.ProtocolUndefined, pcsc.CodeInvalidHandle
	}
	card, err := c.Connect(reader, uint32(mode), pcsc.ProtocolsToNative(protocols))
	if err != nil {
		return 0, pcsc.ProtocolUndefined, rcOf(err)
	}
	proto := assumedProtocol(mode, protocols)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	ch := pcsc.CardHandle(d.next)
	d.cards[ch] = card
	return ch, proto, pcsc.Success
}

func (d *Driver) Reconnect(h pcsc.CardHandle, _ pcsc.ShareMode, _ pcsc.Protocols, _ pcsc.Disposition) (pcsc.Protocol, pcsc.ReturnCode) {
	if _, ok := d.card(h); !ok {
		return pcsc.ProtocolUndefined, pcsc.CodeInvalidHandle
	}
	return pcsc.ProtocolUndefined, errUnsupported
}

func (d *Driver) Disconnect(h pcsc.CardHandle, disp pcsc.Disposition) pcsc.ReturnCode {
	c, ok := d.card(h)
	if !ok {
		return pcsc.CodeInvalidHandle
	}
	if err := c.Disconnect(uint32(disp)); err != nil {
		return rcOf(err)
	}
	d.mu.Lock()
	delete(d.cards, h)
	d.mu.Unlock()
	return pcsc.Success
}

// The client has no transaction messages, so the card cannot be locked.
func (d *Driver) BeginTransaction(h pcsc.CardHandle) pcsc.ReturnCode {
	if _, ok := d.card(h); !ok {
		return pcsc.CodeInvalidHandle
	}
	return errUnsupported
}

func (d *Driver) EndTransaction(h pcsc.CardHandle, _ pcsc.Disposition) pcsc.ReturnCode {
	if _, ok := d.card(h); !ok {
		return pcsc.CodeInvalidHandle
	}
	return errUnsupported
}

func (d *Driver) Status(h pcsc.CardHandle, _, _ []byte) (pcsc.StatusResult, pcsc.ReturnCode) {
	if _, ok := d.card(h); !ok {
		return pcsc.StatusResult{}, pcsc.CodeInvalidHandle
	}
	return pcsc.StatusResult{}, errUnsupported
}

func (d *Driver) Transmit(h pcsc.CardHandle, _ pcsc.Protocol, send, recv []byte) (int, pcsc.ReturnCode) {
	c, ok := d.card(h)
	if !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	rsp, _, err := c.Transmit(send)
	if err != nil {
		return 0, rcOf(err)
	}
	return pcsc.FillBuffer(recv, rsp)
}

func (d *Driver) Control(h pcsc.CardHandle, _ uint32, _, _ []byte) (int, pcsc.ReturnCode) {
	if _, ok := d.card(h); !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	return 0, errUnsupported
}

func (d *Driver) GetAttrib(h pcsc.CardHandle, _ pcsc.Attribute, _ []byte) (int, pcsc.ReturnCode) {
	if _, ok := d.card(h); !ok {
		return 0, pcsc.CodeInvalidHandle
	}
	return 0, errUnsupported
}

func (d *Driver) SetAttrib(h pcsc.CardHandle, _ pcsc.Attribute, _ []byte) pcsc.ReturnCode {
	if _, ok := d.card(h); !ok {
		return pcsc.CodeInvalidHandle
	}
	return errUnsupported
}

var _ pcsc.Driver = (*Driver)(nil)
