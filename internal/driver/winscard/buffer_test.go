package winscard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// fake behaves like a WinSCard call returning data.
func fake(data []byte) nativeCall {
	return func(p *byte, n *uint32) pcsc.ReturnCode {
		if p == nil {
			*n = uint32(len(data))
			return pcsc.Success
		}
		if int(*n) < len(data) {
			*n = uint32(len(data))
			return pcsc.CodeInsufficientBuffer
		}
		// p points at the first element of the caller's slice.
		*n = uint32(len(data))
		return pcsc.Success
	}
}

func TestSized(t *testing.T) {
	data := []byte{0x3B, 0x8F, 0x80}

	n, rc := sized(nil, fake(data))
	assert.Equal(t, 3, n)
	assert.Equal(t, pcsc.Success, rc)

	n, rc = sized([]byte{}, fake(data))
	assert.Equal(t, 3, n)
	assert.Equal(t, pcsc.CodeInsufficientBuffer, rc)

	n, rc = sized(make([]byte, 2), fake(data))
	assert.Equal(t, 3, n)
	assert.Equal(t, pcsc.CodeInsufficientBuffer, rc)

	n, rc = sized(make([]byte, 8), fake(data))
	assert.Equal(t, 3, n)
	assert.Equal(t, pcsc.Success, rc)

	n, rc = sized([]byte{}, fake(nil))
	assert.Equal(t, 0, n)
	assert.Equal(t, pcsc.Success, rc)
}

func TestCString(t *testing.T) {
	assert.Equal(t, []byte("ACS\x00"), cString("ACS"))
	assert.Equal(t, []byte{0}, cString(""))
}
