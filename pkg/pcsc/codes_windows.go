package pcsc

// WinSCard moved UNSUPPORTED_FEATURE to make room for UNEXPECTED.
var platformCodes = map[ErrorKind]uint32{
	KindUnexpected:         0x8010001F,
	KindUnsupportedFeature: 0x80100022,
}

const (
	nativeProtocolRaw = 0x10000
	statusOrdinals    = true
)

// CtlCode builds a reader control code the way winsmcrd.h does:
// CTL_CODE(FILE_DEVICE_SMARTCARD, code, METHOD_BUFFERED, FILE_ANY_ACCESS).
func CtlCode(code uint32) uint32 {
	return 0x31<<16 | code<<2
}
