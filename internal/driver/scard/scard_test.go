//go:build cgo || windows

package scard

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

func TestRCOf(t *testing.T) {
	assert.Equal(t, pcsc.Success, rcOf(nil))
	assert.Equal(t, pcsc.CodeFromUint32(0x8010000C), rcOf(scard.Error(0x8010000C)))
	assert.Equal(t, pcsc.CodeFromUint32(0x80100069), rcOf(fmt.Errorf("connect: %w", scard.Error(0x80100069))))
	assert.Equal(t, pcsc.CodeCommError, rcOf(errors.New("boom")))

	err := pcsc.Decode(rcOf(scard.Error(0x8010000C)))
	assert.ErrorIs(t, err, pcsc.ErrNoSmartcard)
}

func TestUnknownHandles(t *testing.T) {
	d := New()

	assert.Equal(t, pcsc.CodeInvalidHandle, d.ReleaseContext(7))
	assert.Equal(t, pcsc.CodeInvalidHandle, d.Cancel(7))
	n, rc := d.ListReaders(7, nil)
	assert.Zero(t, n)
	assert.Equal(t, pcsc.CodeInvalidHandle, rc)

	_, _, rc = d.Connect(7, "reader", pcsc.ShareShared, pcsc.ProtocolsAny)
	assert.Equal(t, pcsc.CodeInvalidHandle, rc)
	assert.Equal(t, pcsc.CodeInvalidHandle, d.Disconnect(9, pcsc.LeaveCard))
	_, rc = d.Transmit(9, pcsc.ProtocolT1, []byte{0x00}, nil)
	assert.Equal(t, pcsc.CodeInvalidHandle, rc)

	err := pcsc.Decode(d.BeginTransaction(9))
	assert.ErrorIs(t, err, pcsc.ErrInvalidHandle)
}
