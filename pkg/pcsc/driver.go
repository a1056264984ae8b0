package pcsc

import "time"

// ContextHandle and CardHandle are opaque native handles.
type (
	ContextHandle uintptr
	CardHandle    uintptr
)

// RawReaderState mirrors SCARD_READERSTATE for drivers.
type RawReaderState struct {
	Reader       string
	CurrentState State
	EventState   State
	ATR          [ATRBufferSize]byte
	ATRLen       int
}

// ATRBufferSize is the ATR capacity of a reader state record; WinSCard
// reserves 36 bytes where pcsc-lite reserves MaxATRSize.
const ATRBufferSize = 36

// StatusResult is what Driver.Status reports besides the two buffers.
type StatusResult struct {
	NamesLen int
	State    Status
	Protocol Protocol
	ATRLen   int
}

// Driver is the raw PC/SC call surface. Every method returns the native
// return code unchanged; the pcsc package does all interpretation.
//
// Buffer conventions follow the C API: a nil buffer asks for the required
// length, which is returned with Success. A non-nil buffer that is too
// small yields KindInsufficientBuffer together with the required length.
// On success the returned length is the number of bytes written.
type Driver interface {
	EstablishContext(scope Scope) (ContextHandle, ReturnCode)
	ReleaseContext(ctx ContextHandle) ReturnCode
	IsValidContext(ctx ContextHandle) ReturnCode
	Cancel(ctx ContextHandle) ReturnCode

	// ListReaders fills buf with the double-NUL terminated multi-string of
	// reader names.
	ListReaders(ctx ContextHandle, buf []byte) (int, ReturnCode)
	GetStatusChange(ctx ContextHandle, timeout time.Duration, states []RawReaderState) ReturnCode

	Connect(ctx ContextHandle, reader string, mode ShareMode, protocols Protocols) (CardHandle, Protocol, ReturnCode)
	Reconnect(card CardHandle, mode ShareMode, protocols Protocols, init Disposition) (Protocol, ReturnCode)
	Disconnect(card CardHandle, d Disposition) ReturnCode
	BeginTransaction(card CardHandle) ReturnCode
	EndTransaction(card CardHandle, d Disposition) ReturnCode

	// Status fills names with the reader name multi-string and atr with
	// the card ATR. Either may be nil to query its length.
	Status(card CardHandle, names, atr []byte) (StatusResult, ReturnCode)
	Transmit(card CardHandle, protocol Protocol, send, recv []byte) (int, ReturnCode)
	Control(card CardHandle, code uint32, send, recv []byte) (int, ReturnCode)
	GetAttrib(card CardHandle, attr Attribute, buf []byte) (int, ReturnCode)
	SetAttrib(card CardHandle, attr Attribute, data []byte) ReturnCode
}

// Required error codes for drivers that emulate buffer semantics.
var (
	CodeInsufficientBuffer = CodeFromUint32(0x80100008)
	CodeInvalidHandle      = CodeFromUint32(0x80100003)
	CodeInvalidParameter   = CodeFromUint32(0x80100004)
	CodeCommError          = CodeFromUint32(0x80100013)
)

// FillBuffer implements the driver buffer convention for data that is
// already in memory.
func FillBuffer(buf, data []byte) (int, ReturnCode) {
	if buf == nil {
		return len(data), Success
	}
	if len(buf) < len(data) {
		return len(data), CodeInsufficientBuffer
	}
	return copy(buf, data), Success
}

// AppendMultiString encodes names as a NUL separated, double-NUL
// terminated multi-string.
func AppendMultiString(dst []byte, names ...string) []byte {
	for _, n := range names {
		dst = append(dst, n...)
		dst = append(dst, 0)
	}
	return append(dst, 0)
}
