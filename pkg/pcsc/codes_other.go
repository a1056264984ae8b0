//go:build !windows

package pcsc

var platformCodes = map[ErrorKind]uint32{
	KindUnsupportedFeature: 0x8010001F,
}

const (
	nativeProtocolRaw = 0x4
	statusOrdinals    = false
)

// CtlCode builds a reader control code the way pcsc-lite's reader.h does.
func CtlCode(code uint32) uint32 {
	return 0x42000000 + code
}
