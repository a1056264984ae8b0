package pcsc

import "errors"

// Card is a connection to a card in a reader. It keeps its own
// co-ownership of the context it was connected through. A Card is not safe
// for concurrent use.
type Card struct {
	ctx      *Context
	handle   CardHandle
	protocol Protocol

	disconnected bool
	tx           *Transaction
}

func (c *Card) driver() Driver { return c.ctx.inner.driver }

func (c *Card) check() error {
	if c.disconnected {
		return ErrCardDisconnected
	}
	return nil
}

// Context returns the context co-owned by the card. It must not be closed
// by the caller; clone it to keep it beyond the card.
func (c *Card) Context() *Context { return c.ctx }

// ActiveProtocol returns the negotiated protocol. Direct connections to a
// reader without a card have none.
func (c *Card) ActiveProtocol() (Protocol, bool) {
	return c.protocol, c.protocol != ProtocolUndefined
}

// Reconnect re-establishes the connection, for example after another
// application reset the card.
func (c *Card) Reconnect(mode ShareMode, protocols Protocols, init Disposition) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.tx != nil {
		return ErrTransactionActive
	}
	proto, rc := c.driver().Reconnect(c.handle, mode, protocols, init)
	if err := Decode(rc); err != nil {
		return err
	}
	c.protocol = proto
	return nil
}

// Disconnect ends the connection with disposition d and gives up the
// card's co-ownership of the context. If the native call fails the card is
// still connected and the call may be repeated.
func (c *Card) Disconnect(d Disposition) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.tx != nil {
		return ErrTransactionActive
	}
	if err := Decode(c.driver().Disconnect(c.handle, d)); err != nil {
		return err
	}
	c.disconnected = true
	return c.ctx.Close()
}

// Close is the scope-exit form of Disconnect. It ends an active
// transaction, disconnects with ResetCard and always gives up the card's
// co-ownership; native failures are reported but the card is unusable
// afterwards.
func (c *Card) Close() error {
	if err := c.check(); err != nil {
		return err
	}
	var errs []error
	if c.tx != nil {
		errs = append(errs, c.tx.finish(LeaveCard))
	}
	errs = append(errs, Decode(c.driver().Disconnect(c.handle, ResetCard)))
	c.disconnected = true
	errs = append(errs, c.ctx.Close())
	return errors.Join(errs...)
}

// Transmit sends an APDU and writes the response into recv, returning the
// filled prefix.
func (c *Card) Transmit(send, recv []byte) ([]byte, error) {
	proto, err := c.transmitProtocol()
	if err != nil {
		return nil, err
	}
	n, err := fill(recv, c.transmitFunc(proto, send))
	if err != nil {
		return nil, err
	}
	return recv[:n], nil
}

// TransmitSized is Transmit reporting the required response size through
// *BufferError. The command has already run on the card when that happens.
func (c *Card) TransmitSized(send, recv []byte) ([]byte, error) {
	proto, err := c.transmitProtocol()
	if err != nil {
		return nil, err
	}
	n, err := fillSized(recv, c.transmitFunc(proto, send))
	if err != nil {
		return nil, err
	}
	return recv[:n], nil
}

// TransmitOwned sends an APDU and returns the response in a new buffer.
func (c *Card) TransmitOwned(send []byte) ([]byte, error) {
	proto, err := c.transmitProtocol()
	if err != nil {
		return nil, err
	}
	return negotiate(MaxBufferSize, c.transmitFunc(proto, send))
}

func (c *Card) transmitProtocol() (Protocol, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if c.protocol == ProtocolUndefined {
		return 0, ErrDirectConnection
	}
	return c.protocol, nil
}

func (c *Card) transmitFunc(proto Protocol, send []byte) fillFunc {
	return func(b []byte) (int, ReturnCode) {
		return c.driver().Transmit(c.handle, proto, send, b)
	}
}

// Control sends a reader control command (see CtlCode) and writes the
// response into recv. Direct connections are allowed.
func (c *Card) Control(code uint32, send, recv []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	n, err := fill(recv, c.controlFunc(code, send))
	if err != nil {
		return nil, err
	}
	return recv[:n], nil
}

// ControlSized is Control reporting the required size through
// *BufferError.
func (c *Card) ControlSized(code uint32, send, recv []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	n, err := fillSized(recv, c.controlFunc(code, send))
	if err != nil {
		return nil, err
	}
	return recv[:n], nil
}

// ControlOwned is Control with a buffer sized by the call.
func (c *Card) ControlOwned(code uint32, send []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return negotiate(MaxBufferSize, c.controlFunc(code, send))
}

func (c *Card) controlFunc(code uint32, send []byte) fillFunc {
	return func(b []byte) (int, ReturnCode) {
		return c.driver().Control(c.handle, code, send, b)
	}
}

// GetAttribute reads attr into buf. A zero-length attribute is a valid,
// empty result.
func (c *Card) GetAttribute(attr Attribute, buf []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	n, err := fill(buf, c.attribFunc(attr))
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// GetAttributeSized is GetAttribute reporting the required size through
// *BufferError.
func (c *Card) GetAttributeSized(attr Attribute, buf []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	n, err := fillSized(buf, c.attribFunc(attr))
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// GetAttributeLen returns the size of attr.
func (c *Card) GetAttributeLen(attr Attribute) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	n, rc := c.driver().GetAttrib(c.handle, attr, nil)
	if err := Decode(rc); err != nil {
		return 0, err
	}
	return n, nil
}

// GetAttributeOwned reads attr into a buffer sized by the call.
func (c *Card) GetAttributeOwned(attr Attribute) ([]byte, error) {
	n, err := c.GetAttributeLen(attr)
	if err != nil {
		return nil, err
	}
	return negotiate(n, c.attribFunc(attr))
}

func (c *Card) attribFunc(attr Attribute) fillFunc {
	return func(b []byte) (int, ReturnCode) {
		return c.driver().GetAttrib(c.handle, attr, b)
	}
}

// SetAttribute writes attr.
func (c *Card) SetAttribute(attr Attribute, data []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	return Decode(c.driver().SetAttrib(c.handle, attr, data))
}
