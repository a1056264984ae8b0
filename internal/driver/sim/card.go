package sim

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Card is a simulated ICC.
type Card struct {
	ATR      []byte
	UID      []byte
	Protocol pcsc.Protocol

	// Apps maps an upper-case hex AID to the FCI returned on SELECT.
	Apps map[string][]byte

	// Handler replaces the built-in APDU responder when set.
	Handler func(apdu []byte) []byte
}

// NewCard returns a T=1 card answering GET DATA (UID) and SELECT.
func NewCard(atr, uid []byte) *Card {
	return &Card{
		ATR:      atr,
		UID:      uid,
		Protocol: pcsc.ProtocolT1,
		Apps:     map[string][]byte{},
	}
}

// WithApp registers an application the card answers SELECT for.
func (c *Card) WithApp(aid, fci []byte) *Card {
	c.Apps[strings.ToUpper(hex.EncodeToString(aid))] = fci
	return c
}

var (
	swOK             = []byte{0x90, 0x00}
	swWrongLength    = []byte{0x67, 0x00}
	swFileNotFound   = []byte{0x6A, 0x82}
	swFuncNotSupport = []byte{0x6A, 0x81}
	swInsNotSupport  = []byte{0x6D, 0x00}
)

// respond implements the handful of commands the simulator understands.
func (c *Card) respond(apdu []byte) []byte {
	if c.Handler != nil {
		return c.Handler(apdu)
	}
	if len(apdu) < 4 {
		return swWrongLength
	}

	switch {
	case bytes.HasPrefix(apdu, []byte{0xFF, 0xCA, 0x00, 0x00}):
		if len(c.UID) == 0 {
			return swFuncNotSupport
		}
		return append(bytes.Clone(c.UID), swOK...)

	case bytes.HasPrefix(apdu, []byte{0x00, 0xA4, 0x04}):
		if len(apdu) < 5 || len(apdu) < 5+int(apdu[4]) {
			return swWrongLength
		}
		aid := strings.ToUpper(hex.EncodeToString(apdu[5 : 5+int(apdu[4])]))
		fci, ok := c.Apps[aid]
		if !ok {
			return swFileNotFound
		}
		return append(bytes.Clone(fci), swOK...)

	case bytes.HasPrefix(apdu, []byte{0x00, 0x84, 0x00, 0x00}):
		n := 8
		if len(apdu) >= 5 && apdu[4] != 0 {
			n = int(apdu[4])
		}
		out := make([]byte, n, n+2)
		for i := range out {
			out[i] = byte(i*7 + 1)
		}
		return append(out, swOK...)
	}
	return swInsNotSupport
}
