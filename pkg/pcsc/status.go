package pcsc

import "errors"

// CardStatus is the result of Card.Status2.
type CardStatus struct {
	names    ReaderNames
	status   Status
	protocol Protocol
	atr      []byte
}

// ReaderNames returns the names the reader is known by.
func (s *CardStatus) ReaderNames() ReaderNames { return s.names }

func (s *CardStatus) Status() Status { return s.status }

// Protocol returns the active protocol, or ErrNoProtocol on a direct
// connection without one.
func (s *CardStatus) Protocol() (Protocol, error) {
	if s.protocol == ProtocolUndefined {
		return 0, ErrNoProtocol
	}
	return s.protocol, nil
}

// Protocol2 returns the active protocol if there is one.
func (s *CardStatus) Protocol2() (Protocol, bool) {
	return s.protocol, s.protocol != ProtocolUndefined
}

func (s *CardStatus) ATR() []byte { return s.atr }

// Status returns the card status and active protocol. It fails with
// ErrNoProtocol on direct connections; use Status2 there.
func (c *Card) Status() (Status, Protocol, error) {
	st, err := c.Status2Owned()
	if err != nil {
		return 0, 0, err
	}
	proto, err := st.Protocol()
	if err != nil {
		return st.status, 0, err
	}
	return st.status, proto, nil
}

// Status2 queries the card status into caller buffers for the reader names
// and the ATR.
func (c *Card) Status2(names, atr []byte) (*CardStatus, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if names == nil {
		names = []byte{}
	}
	if atr == nil {
		atr = []byte{}
	}
	res, rc := c.driver().Status(c.handle, names, atr)
	if err := Decode(rc); err != nil {
		return nil, err
	}
	if res.NamesLen < 0 || res.NamesLen > len(names) || res.ATRLen < 0 || res.ATRLen > len(atr) {
		return nil, ErrDriverLength
	}
	return &CardStatus{
		names:    newReaderNames(names[:res.NamesLen]),
		status:   res.State,
		protocol: res.Protocol,
		atr:      atr[:res.ATRLen],
	}, nil
}

// Status2Len returns the buffer sizes Status2 needs for the reader names
// and the ATR.
func (c *Card) Status2Len() (namesLen, atrLen int, err error) {
	if err := c.check(); err != nil {
		return 0, 0, err
	}
	res, rc := c.driver().Status(c.handle, nil, nil)
	if err := Decode(rc); err != nil {
		return 0, 0, err
	}
	return res.NamesLen, res.ATRLen, nil
}

// Status2Owned is Status2 with buffers sized by the call.
func (c *Card) Status2Owned() (*CardStatus, error) {
	names := make([]byte, statusNamesHint)
	atr := make([]byte, MaxATRSize)
	for round := 0; ; round++ {
		st, err := c.Status2(names, atr)
		if err == nil || !errors.Is(err, ErrInsufficientBuffer) || round >= maxNegotiationRounds {
			return st, err
		}
		nl, al, err := c.Status2Len()
		if err != nil {
			return nil, err
		}
		if nl <= len(names) && al <= len(atr) {
			return nil, ErrInsufficientBuffer
		}
		names = make([]byte, max(nl, len(names)))
		atr = make([]byte, max(al, len(atr)))
	}
}

const statusNamesHint = 256
