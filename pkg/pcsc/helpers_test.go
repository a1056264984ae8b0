package pcsc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/pcsc-agent/internal/driver/sim"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

const testReader = "Gemalto PC Twin Reader 00 00"

var (
	testATR = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68}
	testUID = []byte{0x04, 0x5A, 0x3C, 0x22}
	pivAID  = []byte{0xA0, 0x00, 0x00, 0x03, 0x08}
	pivFCI  = []byte{0x61, 0x11, 0x4F, 0x06, 0x00, 0x00, 0x10, 0x00, 0x01, 0x00, 0x79, 0x07, 0x4F, 0x05, 0xA0, 0x00, 0x00, 0x03, 0x08}

	// SELECT of a 10 byte AID the card does not have.
	selectUnknown = []byte{0x00, 0xA4, 0x04, 0x00, 0x0A, 0xA0, 0x00, 0x00, 0x00, 0x62, 0x03, 0x01, 0x0C, 0x06, 0x01}
	selectPIV     = []byte{0x00, 0xA4, 0x04, 0x00, 0x05, 0xA0, 0x00, 0x00, 0x03, 0x08}
	getUID        = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
)

func newDriver(t *testing.T) *sim.Driver {
	t.Helper()
	d := sim.New()
	d.AddReader(testReader)
	d.InsertCard(testReader, sim.NewCard(testATR, testUID).WithApp(pivAID, pivFCI))
	return d
}

func establish(t *testing.T, d pcsc.Driver) *pcsc.Context {
	t.Helper()
	ctx, err := pcsc.Establish(d, pcsc.ScopeUser)
	require.NoError(t, err)
	return ctx
}

func connect(t *testing.T, ctx *pcsc.Context) *pcsc.Card {
	t.Helper()
	card, err := ctx.Connect(testReader, pcsc.ShareShared, pcsc.ProtocolsAny)
	require.NoError(t, err)
	return card
}
