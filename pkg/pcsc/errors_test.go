package pcsc_test

import (
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

func TestDecodeSuccess(t *testing.T) {
	assert.NoError(t, pcsc.Decode(pcsc.Success))
}

func TestDecodeKnownCodesRoundTrip(t *testing.T) {
	for k := pcsc.KindInternalError; k <= pcsc.KindCacheItemTooBig; k++ {
		code, ok := k.Code()
		if !ok {
			continue
		}
		t.Run(k.String(), func(t *testing.T) {
			err := pcsc.Decode(code)
			var pe *pcsc.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, k, pe.Kind())
			assert.Equal(t, code, pe.Code())
			assert.NotEmpty(t, pe.Error())
		})
	}
}

func TestDecodeUnrecognizedKeepsCode(t *testing.T) {
	for _, raw := range []uint32{0x80100099, 0x00000001, 0xDEADBEEF, 0x80100050} {
		code := pcsc.CodeFromUint32(raw)
		err := pcsc.Decode(code)

		var pe *pcsc.Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, pcsc.KindUnrecognized, pe.Kind())
		assert.Equal(t, code, pe.Code())
		assert.Contains(t, pe.Error(), fmt.Sprintf("0x%08X", raw))
	}
}

func TestDecodeNonCanonicalWidth(t *testing.T) {
	canonical := pcsc.CodeFromUint32(0x8010000C)
	signExtended := pcsc.ReturnCode(int64(int32(-0x7FEFFFF4)))
	if canonical == signExtended {
		t.Skip("LONG is 32 bits wide here")
	}

	var pe *pcsc.Error
	require.ErrorAs(t, pcsc.Decode(signExtended), &pe)
	assert.Equal(t, pcsc.KindUnrecognized, pe.Kind())
	assert.Equal(t, signExtended, pe.Code())
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("connect: %w", pcsc.Decode(pcsc.CodeFromUint32(0x8010000C)))
	assert.ErrorIs(t, err, pcsc.ErrNoSmartcard)
	assert.NotErrorIs(t, err, pcsc.ErrRemovedCard)

	kind, ok := pcsc.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, pcsc.KindNoSmartcard, kind)

	_, ok = pcsc.KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestUnrecognizedMatchesOnlySameCode(t *testing.T) {
	a := pcsc.Decode(pcsc.CodeFromUint32(0x80100099))
	b := pcsc.Decode(pcsc.CodeFromUint32(0x80100099))
	c := pcsc.Decode(pcsc.CodeFromUint32(0x80100098))
	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestUnsupportedFeaturePlatformCode(t *testing.T) {
	code, ok := pcsc.KindUnsupportedFeature.Code()
	require.True(t, ok)

	unexpected, hasUnexpected := pcsc.KindUnexpected.Code()
	if runtime.GOOS == "windows" {
		assert.Equal(t, uint32(0x80100022), code.Uint32())
		assert.True(t, hasUnexpected)
		assert.Equal(t, uint32(0x8010001F), unexpected.Uint32())
	} else {
		assert.Equal(t, uint32(0x8010001F), code.Uint32())
		assert.False(t, hasUnexpected)
	}

	var pe *pcsc.Error
	require.ErrorAs(t, pcsc.Decode(pcsc.CodeFromUint32(0x8010001F)), &pe)
	if runtime.GOOS == "windows" {
		assert.Equal(t, pcsc.KindUnexpected, pe.Kind())
	} else {
		assert.Equal(t, pcsc.KindUnsupportedFeature, pe.Kind())
	}
}

func TestNormalizeReturnCode(t *testing.T) {
	code := pcsc.CodeFromUint32(0x80100069)
	assert.Equal(t, code, pcsc.NormalizeReturnCode(int64(code)))
	assert.Equal(t, uint32(0x80100069), code.Uint32())
	assert.Equal(t, pcsc.Success, pcsc.NormalizeReturnCode(0))
}

func TestCtlCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		assert.Equal(t, uint32(0x00313520), pcsc.CtlCode(3400))
	} else {
		assert.Equal(t, uint32(0x42000D48), pcsc.CtlCode(3400))
	}
}

func TestSentinelCodesMatchKinds(t *testing.T) {
	sentinels := []*pcsc.Error{
		pcsc.ErrInternalError, pcsc.ErrCancelled, pcsc.ErrInvalidHandle,
		pcsc.ErrInsufficientBuffer, pcsc.ErrTimeout, pcsc.ErrSharingViolation,
		pcsc.ErrNoSmartcard, pcsc.ErrCantDispose, pcsc.ErrProtoMismatch,
		pcsc.ErrNotTransacted, pcsc.ErrNoService, pcsc.ErrUnexpected,
		pcsc.ErrUnsupportedFeature, pcsc.ErrNoReadersAvailable,
		pcsc.ErrResetCard, pcsc.ErrRemovedCard, pcsc.ErrCacheItemTooBig,
	}
	for _, s := range sentinels {
		t.Run(s.Kind().String(), func(t *testing.T) {
			want, ok := s.Kind().Code()
			assert.Equal(t, want, s.Code())
			if !ok {
				return
			}
			require.NotEqual(t, pcsc.Success, s.Code())
			assert.ErrorIs(t, pcsc.Decode(s.Code()), s)
		})
	}
}
