// Package winscard calls winscard.dll directly, without cgo. On Windows it
// outranks the scard driver since every buffer reaches the system as is.
package winscard

import "github.com/SimplyPrint/pcsc-agent/pkg/pcsc"

// nativeCall is a WinSCard call with a (buffer, in/out length) pair.
type nativeCall func(p *byte, n *uint32) pcsc.ReturnCode

// sized runs call with buf. WinSCard treats a NULL buffer as a length
// query, so an empty but non-nil buf is queried too and then reported as
// too small.
func sized(buf []byte, call nativeCall) (int, pcsc.ReturnCode) {
	var p *byte
	if len(buf) > 0 {
		p = &buf[0]
	}
	n := uint32(len(buf))
	rc := call(p, &n)
	if buf != nil && len(buf) == 0 && rc == pcsc.Success && n > 0 {
		return int(n), pcsc.CodeInsufficientBuffer
	}
	return int(n), rc
}

// cString returns a NUL terminated copy of s.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
