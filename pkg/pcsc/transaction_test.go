package pcsc_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Scenario B: the scoped transaction ends exactly once when the body
// returns early with an error.
func TestWithTransactionEndsOnError(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	errSelect := errors.New("select failed")
	err := card.WithTransaction(func(tx *pcsc.Transaction) error {
		resp, err := tx.TransmitOwned(selectUnknown)
		if err != nil {
			return err
		}
		if !bytesHaveSW(resp, 0x90, 0x00) {
			return errSelect
		}
		return nil
	})
	assert.ErrorIs(t, err, errSelect)
	assert.Equal(t, 1, d.Calls("BeginTransaction"))
	assert.Equal(t, 1, d.Calls("EndTransaction"))

	tx, err := card.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.End(pcsc.LeaveCard))
}

func TestWithTransactionEndsOnPanic(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	assert.PanicsWithValue(t, "card exploded", func() {
		_ = card.WithTransaction(func(tx *pcsc.Transaction) error {
			panic("card exploded")
		})
	})
	assert.Equal(t, 1, d.Calls("EndTransaction"))

	_, err := card.BeginTransaction()
	assert.NoError(t, err)
}

func TestWithTransactionEndedInside(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	err := card.WithTransaction(func(tx *pcsc.Transaction) error {
		return tx.End(pcsc.ResetCard)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Calls("EndTransaction"))
}

func TestWithTransactionReportsEndFailure(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	d.FailNext("EndTransaction", pcsc.CodeFromUint32(0x80100016))
	err := card.WithTransaction(func(tx *pcsc.Transaction) error {
		_, err := tx.TransmitOwned(getUID)
		return err
	})
	assert.ErrorIs(t, err, pcsc.ErrNotTransacted)

	// The guard is gone even though the native end failed.
	_, err = card.BeginTransaction()
	assert.NoError(t, err)
}

func TestTransactionMisuse(t *testing.T) {
	ctx := establish(t, newDriver(t))
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	tx, err := card.BeginTransaction()
	require.NoError(t, err)
	assert.Same(t, card, tx.Card())

	_, err = card.BeginTransaction()
	assert.ErrorIs(t, err, pcsc.ErrTransactionActive)
	assert.ErrorIs(t, card.Disconnect(pcsc.LeaveCard), pcsc.ErrTransactionActive)
	assert.ErrorIs(t, card.Reconnect(pcsc.ShareShared, pcsc.ProtocolsAny, pcsc.LeaveCard), pcsc.ErrTransactionActive)

	st, err := tx.Status2Owned()
	require.NoError(t, err)
	assert.Equal(t, testATR, st.ATR())

	require.NoError(t, tx.End(pcsc.LeaveCard))
	assert.ErrorIs(t, tx.End(pcsc.LeaveCard), pcsc.ErrTransactionEnded)
	_, err = tx.TransmitOwned(getUID)
	assert.ErrorIs(t, err, pcsc.ErrTransactionEnded)
	_, err = tx.GetAttributeOwned(pcsc.AttrATRString)
	assert.ErrorIs(t, err, pcsc.ErrTransactionEnded)
}

func TestTransactionEndFailureKeepsGuard(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	tx, err := card.BeginTransaction()
	require.NoError(t, err)

	d.FailNext("EndTransaction", pcsc.CodeFromUint32(0x80100013))
	assert.ErrorIs(t, tx.End(pcsc.LeaveCard), pcsc.ErrCommError)

	_, err = tx.TransmitOwned(getUID)
	assert.NoError(t, err)
	assert.NoError(t, tx.End(pcsc.LeaveCard))
}

func TestTransactionEndAfterResetReleasesGuard(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)
	defer card.Close()

	tx, err := card.BeginTransaction()
	require.NoError(t, err)
	d.ResetCard(testReader)

	_, err = tx.TransmitOwned(getUID)
	assert.ErrorIs(t, err, pcsc.ErrResetCard)
	assert.ErrorIs(t, tx.End(pcsc.LeaveCard), pcsc.ErrNotTransacted)
	assert.ErrorIs(t, tx.End(pcsc.LeaveCard), pcsc.ErrTransactionEnded)

	require.NoError(t, card.Reconnect(pcsc.ShareShared, pcsc.ProtocolsAny, pcsc.LeaveCard))
	err = card.WithTransaction(func(tx *pcsc.Transaction) error {
		_, err := tx.TransmitOwned(getUID)
		return err
	})
	assert.NoError(t, err)
}

func TestTryTransactionReturnsCard(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()

	holder := connect(t, ctx)
	defer holder.Close()
	htx, err := holder.BeginTransaction()
	require.NoError(t, err)

	card := connect(t, ctx)
	tx, back, err := card.TryTransaction()
	assert.ErrorIs(t, err, pcsc.ErrSharingViolation)
	assert.Nil(t, tx)
	require.Same(t, card, back)

	require.NoError(t, htx.End(pcsc.LeaveCard))

	tx, back, err = back.TryTransaction()
	require.NoError(t, err)
	assert.Nil(t, back)
	resp, err := tx.TransmitOwned(getUID)
	require.NoError(t, err)
	assert.True(t, bytesHaveSW(resp, 0x90, 0x00))
	require.NoError(t, tx.End(pcsc.LeaveCard))
	require.NoError(t, card.Close())
}

func TestCloseEndsActiveTransaction(t *testing.T) {
	d := newDriver(t)
	ctx := establish(t, d)
	defer ctx.Close()
	card := connect(t, ctx)

	tx, err := card.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, card.Close())

	assert.Equal(t, 1, d.Calls("EndTransaction"))
	assert.Equal(t, 1, d.Calls("Disconnect"))
	assert.ErrorIs(t, tx.End(pcsc.LeaveCard), pcsc.ErrTransactionEnded)
}

func bytesHaveSW(resp []byte, sw1, sw2 byte) bool {
	return len(resp) >= 2 && resp[len(resp)-2] == sw1 && resp[len(resp)-1] == sw2
}
