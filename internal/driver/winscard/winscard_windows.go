//go:build windows

package winscard

import (
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/SimplyPrint/pcsc-agent/internal/driver"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Name is the registry name of this driver.
const Name = "winscard"

var (
	winscard = windows.NewLazySystemDLL("winscard.dll")

	procEstablishContext = winscard.NewProc("SCardEstablishContext")
	procReleaseContext   = winscard.NewProc("SCardReleaseContext")
	procIsValidContext   = winscard.NewProc("SCardIsValidContext")
	procCancel           = winscard.NewProc("SCardCancel")
	procListReaders      = winscard.NewProc("SCardListReadersA")
	procGetStatusChange  = winscard.NewProc("SCardGetStatusChangeA")
	procConnect          = winscard.NewProc("SCardConnectA")
	procReconnect        = winscard.NewProc("SCardReconnect")
	procDisconnect       = winscard.NewProc("SCardDisconnect")
	procBeginTransaction = winscard.NewProc("SCardBeginTransaction")
	procEndTransaction   = winscard.NewProc("SCardEndTransaction")
	procStatus           = winscard.NewProc("SCardStatusA")
	procTransmit         = winscard.NewProc("SCardTransmit")
	procControl          = winscard.NewProc("SCardControl")
	procGetAttrib        = winscard.NewProc("SCardGetAttrib")
	procSetAttrib        = winscard.NewProc("SCardSetAttrib")
)

func init() {
	driver.Register(Name, 30, func() (pcsc.Driver, error) {
		if err := winscard.Load(); err != nil {
			return nil, err
		}
		return Driver{}, nil
	})
}

// ioRequest is SCARD_IO_REQUEST.
type ioRequest struct {
	protocol  uint32
	pciLength uint32
}

// readerState is SCARD_READERSTATEA.
type readerState struct {
	reader       *byte
	userData     uintptr
	currentState uint32
	eventState   uint32
	atrLen       uint32
	atr          [pcsc.ATRBufferSize]byte
}

// Driver is stateless; native handles are passed through as is.
type Driver struct{}

// rc turns the LONG returned in r1 into a ReturnCode.
func rc(r1 uintptr) pcsc.ReturnCode {
	return pcsc.CodeFromUint32(uint32(r1))
}

func ptr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (Driver) EstablishContext(scope pcsc.Scope) (pcsc.ContextHandle, pcsc.ReturnCode) {
	var h uintptr
	r1, _, _ := procEstablishContext.Call(uintptr(scope), 0, 0, uintptr(unsafe.Pointer(&h)))
	return pcsc.ContextHandle(h), rc(r1)
}

func (Driver) ReleaseContext(h pcsc.ContextHandle) pcsc.ReturnCode {
	r1, _, _ := procReleaseContext.Call(uintptr(h))
	return rc(r1)
}

func (Driver) IsValidContext(h pcsc.ContextHandle) pcsc.ReturnCode {
	r1, _, _ := procIsValidContext.Call(uintptr(h))
	return rc(r1)
}

func (Driver) Cancel(h pcsc.ContextHandle) pcsc.ReturnCode {
	r1, _, _ := procCancel.Call(uintptr(h))
	return rc(r1)
}

func (Driver) ListReaders(h pcsc.ContextHandle, buf []byte) (int, pcsc.ReturnCode) {
	return sized(buf, func(p *byte, n *uint32) pcsc.ReturnCode {
		r1, _, _ := procListReaders.Call(uintptr(h), 0, uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(n)))
		return rc(r1)
	})
}

func (Driver) GetStatusChange(h pcsc.ContextHandle, timeout time.Duration, states []pcsc.RawReaderState) pcsc.ReturnCode {
	if len(states) == 0 {
		r1, _, _ := procGetStatusChange.Call(uintptr(h), uintptr(pcsc.TimeoutMillis(timeout)), 0, 0)
		return rc(r1)
	}
	names := make([][]byte, len(states))
	native := make([]readerState, len(states))
	for i, s := range states {
		names[i] = cString(s.Reader)
		native[i] = readerState{
			reader:       &names[i][0],
			currentState: uint32(s.CurrentState),
		}
	}
	r1, _, _ := procGetStatusChange.Call(
		uintptr(h),
		uintptr(pcsc.TimeoutMillis(timeout)),
		uintptr(unsafe.Pointer(&native[0])),
		uintptr(len(native)),
	)
	for i := range native {
		states[i].EventState = pcsc.State(native[i].eventState)
		n := int(native[i].atrLen)
		if n > len(native[i].atr) {
			n = len(native[i].atr)
		}
		states[i].ATR = native[i].atr
		states[i].ATRLen = n
	}
	return rc(r1)
}

func (Driver) Connect(h pcsc.ContextHandle, reader string, mode pcsc.ShareMode, protocols pcsc.Protocols) (pcsc.CardHandle, pcsc.Protocol, pcsc.ReturnCode) {
	name := cString(reader)
	var (
		card   uintptr
		active uint32
	)
	r1, _, _ := procConnect.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(mode),
		uintptr(pcsc.ProtocolsToNative(protocols)),
		uintptr(unsafe.Pointer(&card)),
		uintptr(unsafe.Pointer(&active)),
	)
	return pcsc.CardHandle(card), pcsc.ProtocolFromNative(active), rc(r1)
}

func (Driver) Reconnect(h pcsc.CardHandle, mode pcsc.ShareMode, protocols pcsc.Protocols, init pcsc.Disposition) (pcsc.Protocol, pcsc.ReturnCode) {
	var active uint32
	r1, _, _ := procReconnect.Call(
		uintptr(h),
		uintptr(mode),
		uintptr(pcsc.ProtocolsToNative(protocols)),
		uintptr(init),
		uintptr(unsafe.Pointer(&active)),
	)
	return pcsc.ProtocolFromNative(active), rc(r1)
}

func (Driver) Disconnect(h pcsc.CardHandle, d pcsc.Disposition) pcsc.ReturnCode {
	r1, _, _ := procDisconnect.Call(uintptr(h), uintptr(d))
	return rc(r1)
}

func (Driver) BeginTransaction(h pcsc.CardHandle) pcsc.ReturnCode {
	r1, _, _ := procBeginTransaction.Call(uintptr(h))
	return rc(r1)
}

func (Driver) EndTransaction(h pcsc.CardHandle, d pcsc.Disposition) pcsc.ReturnCode {
	r1, _, _ := procEndTransaction.Call(uintptr(h), uintptr(d))
	return rc(r1)
}

func (Driver) Status(h pcsc.CardHandle, names, atr []byte) (pcsc.StatusResult, pcsc.ReturnCode) {
	var (
		state, protocol uint32
		namesLen        = uint32(len(names))
		atrLen          = uint32(len(atr))
	)
	r1, _, _ := procStatus.Call(
		uintptr(h),
		ptr(names),
		uintptr(unsafe.Pointer(&namesLen)),
		uintptr(unsafe.Pointer(&state)),
		uintptr(unsafe.Pointer(&protocol)),
		ptr(atr),
		uintptr(unsafe.Pointer(&atrLen)),
	)
	res := pcsc.StatusResult{
		NamesLen: int(namesLen),
		State:    pcsc.StatusFromNative(state),
		Protocol: pcsc.ProtocolFromNative(protocol),
		ATRLen:   int(atrLen),
	}
	code := rc(r1)
	if code == pcsc.Success && ((names != nil && len(names) < res.NamesLen) || (atr != nil && len(atr) < res.ATRLen)) {
		code = pcsc.CodeInsufficientBuffer
	}
	return res, code
}

func (Driver) Transmit(h pcsc.CardHandle, protocol pcsc.Protocol, send, recv []byte) (int, pcsc.ReturnCode) {
	pci := ioRequest{
		protocol:  pcsc.ProtocolsToNative(pcsc.Protocols(protocol)),
		pciLength: uint32(unsafe.Sizeof(ioRequest{})),
	}
	n := uint32(len(recv))
	r1, _, _ := procTransmit.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(&pci)),
		ptr(send),
		uintptr(len(send)),
		0,
		ptr(recv),
		uintptr(unsafe.Pointer(&n)),
	)
	return int(n), rc(r1)
}

func (Driver) Control(h pcsc.CardHandle, code uint32, send, recv []byte) (int, pcsc.ReturnCode) {
	var n uint32
	r1, _, _ := procControl.Call(
		uintptr(h),
		uintptr(code),
		ptr(send),
		uintptr(len(send)),
		ptr(recv),
		uintptr(len(recv)),
		uintptr(unsafe.Pointer(&n)),
	)
	return int(n), rc(r1)
}

func (Driver) GetAttrib(h pcsc.CardHandle, attr pcsc.Attribute, buf []byte) (int, pcsc.ReturnCode) {
	return sized(buf, func(p *byte, n *uint32) pcsc.ReturnCode {
		r1, _, _ := procGetAttrib.Call(uintptr(h), uintptr(attr), uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(n)))
		return rc(r1)
	})
}

func (Driver) SetAttrib(h pcsc.CardHandle, attr pcsc.Attribute, data []byte) pcsc.ReturnCode {
	r1, _, _ := procSetAttrib.Call(uintptr(h), uintptr(attr), ptr(data), uintptr(len(data)))
	return rc(r1)
}

var _ pcsc.Driver = Driver{}
