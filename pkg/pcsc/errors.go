package pcsc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a native failure. The set is closed: every code the
// resource managers document has a kind, and anything else decodes to
// KindUnrecognized.
type ErrorKind uint8

const (
	KindUnrecognized ErrorKind = iota

	KindInternalError
	KindCancelled
	KindInvalidHandle
	KindInvalidParameter
	KindInvalidTarget
	KindNoMemory
	KindWaitedTooLong
	KindInsufficientBuffer
	KindUnknownReader
	KindTimeout
	KindSharingViolation
	KindNoSmartcard
	KindUnknownCard
	KindCantDispose
	KindProtoMismatch
	KindNotReady
	KindInvalidValue
	KindSystemCancelled
	KindCommError
	KindUnknownError
	KindInvalidATR
	KindNotTransacted
	KindReaderUnavailable
	KindShutdown
	KindPCITooSmall
	KindReaderUnsupported
	KindDuplicateReader
	KindCardUnsupported
	KindNoService
	KindServiceStopped
	KindUnexpected
	KindICCInstallation
	KindICCCreateOrder
	KindUnsupportedFeature
	KindDirNotFound
	KindFileNotFound
	KindNoDir
	KindNoFile
	KindNoAccess
	KindWriteTooMany
	KindBadSeek
	KindInvalidCHV
	KindUnknownResMng
	KindNoSuchCertificate
	KindCertificateUnavailable
	KindNoReadersAvailable
	KindCommDataLost
	KindNoKeyContainer
	KindServerTooBusy

	KindUnsupportedCard
	KindUnresponsiveCard
	KindUnpoweredCard
	KindResetCard
	KindRemovedCard
	KindSecurityViolation
	KindWrongCHV
	KindCHVBlocked
	KindEOF
	KindCancelledByUser
	KindCardNotAuthenticated
	KindCacheItemNotFound
	KindCacheItemStale
	KindCacheItemTooBig

	kindCount
)

type kindInfo struct {
	name string
	code uint32
	desc string
}

// kinds is indexed by ErrorKind. Codes that differ between platforms are
// filled in from platformCodes.
var kinds = withPlatformCodes([kindCount]kindInfo{
	KindUnrecognized:           {"Unrecognized", 0, "unrecognized return code"},
	KindInternalError:          {"InternalError", 0x80100001, "an internal consistency check failed"},
	KindCancelled:              {"Cancelled", 0x80100002, "the action was cancelled by an SCardCancel request"},
	KindInvalidHandle:          {"InvalidHandle", 0x80100003, "the supplied handle was invalid"},
	KindInvalidParameter:       {"InvalidParameter", 0x80100004, "one or more of the supplied parameters could not be properly interpreted"},
	KindInvalidTarget:          {"InvalidTarget", 0x80100005, "registry startup information is missing or invalid"},
	KindNoMemory:               {"NoMemory", 0x80100006, "not enough memory available to complete this command"},
	KindWaitedTooLong:          {"WaitedTooLong", 0x80100007, "an internal consistency timer has expired"},
	KindInsufficientBuffer:     {"InsufficientBuffer", 0x80100008, "the data buffer to receive returned data is too small for the returned data"},
	KindUnknownReader:          {"UnknownReader", 0x80100009, "the specified reader name is not recognized"},
	KindTimeout:                {"Timeout", 0x8010000A, "the user-specified timeout value has expired"},
	KindSharingViolation:       {"SharingViolation", 0x8010000B, "the smart card cannot be accessed because of other connections outstanding"},
	KindNoSmartcard:            {"NoSmartcard", 0x8010000C, "the operation requires a smart card, but no smart card is currently in the device"},
	KindUnknownCard:            {"UnknownCard", 0x8010000D, "the specified smart card name is not recognized"},
	KindCantDispose:            {"CantDispose", 0x8010000E, "the system could not dispose of the media in the requested manner"},
	KindProtoMismatch:          {"ProtoMismatch", 0x8010000F, "the requested protocols are incompatible with the protocol currently in use with the smart card"},
	KindNotReady:               {"NotReady", 0x80100010, "the reader or smart card is not ready to accept commands"},
	KindInvalidValue:           {"InvalidValue", 0x80100011, "one or more of the supplied parameters values could not be properly interpreted"},
	KindSystemCancelled:        {"SystemCancelled", 0x80100012, "the action was cancelled by the system, presumably to log off or shut down"},
	KindCommError:              {"CommError", 0x80100013, "an internal communications error has been detected"},
	KindUnknownError:           {"UnknownError", 0x80100014, "an internal error has been detected, but the source is unknown"},
	KindInvalidATR:             {"InvalidATR", 0x80100015, "an ATR obtained from the registry is not a valid ATR string"},
	KindNotTransacted:          {"NotTransacted", 0x80100016, "an attempt was made to end a non-existent transaction"},
	KindReaderUnavailable:      {"ReaderUnavailable", 0x80100017, "the specified reader is not currently available for use"},
	KindShutdown:               {"Shutdown", 0x80100018, "the operation has been aborted to allow the server application to exit"},
	KindPCITooSmall:            {"PCITooSmall", 0x80100019, "the PCI receive buffer was too small"},
	KindReaderUnsupported:      {"ReaderUnsupported", 0x8010001A, "the reader driver does not meet minimal requirements for support"},
	KindDuplicateReader:        {"DuplicateReader", 0x8010001B, "the reader driver did not produce a unique reader name"},
	KindCardUnsupported:        {"CardUnsupported", 0x8010001C, "the smart card does not meet minimal requirements for support"},
	KindNoService:              {"NoService", 0x8010001D, "the smart card resource manager is not running"},
	KindServiceStopped:         {"ServiceStopped", 0x8010001E, "the smart card resource manager has shut down"},
	KindUnexpected:             {"Unexpected", 0, "an unexpected card error has occurred"},
	KindICCInstallation:        {"ICCInstallation", 0x80100020, "no primary provider can be found for the smart card"},
	KindICCCreateOrder:         {"ICCCreateOrder", 0x80100021, "the requested order of object creation is not supported"},
	KindUnsupportedFeature:     {"UnsupportedFeature", 0, "this smart card does not support the requested feature"},
	KindDirNotFound:            {"DirNotFound", 0x80100023, "the identified directory does not exist in the smart card"},
	KindFileNotFound:           {"FileNotFound", 0x80100024, "the identified file does not exist in the smart card"},
	KindNoDir:                  {"NoDir", 0x80100025, "the supplied path does not represent a smart card directory"},
	KindNoFile:                 {"NoFile", 0x80100026, "the supplied path does not represent a smart card file"},
	KindNoAccess:               {"NoAccess", 0x80100027, "access is denied to this file"},
	KindWriteTooMany:           {"WriteTooMany", 0x80100028, "the smart card does not have enough memory to store the information"},
	KindBadSeek:                {"BadSeek", 0x80100029, "there was an error trying to set the smart card file object pointer"},
	KindInvalidCHV:             {"InvalidCHV", 0x8010002A, "the supplied PIN is incorrect"},
	KindUnknownResMng:          {"UnknownResMng", 0x8010002B, "an unrecognized error code was returned from a layered component"},
	KindNoSuchCertificate:      {"NoSuchCertificate", 0x8010002C, "the requested certificate does not exist"},
	KindCertificateUnavailable: {"CertificateUnavailable", 0x8010002D, "the requested certificate could not be obtained"},
	KindNoReadersAvailable:     {"NoReadersAvailable", 0x8010002E, "cannot find a smart card reader"},
	KindCommDataLost:           {"CommDataLost", 0x8010002F, "a communications error with the smart card has been detected"},
	KindNoKeyContainer:         {"NoKeyContainer", 0x80100030, "the requested key container does not exist on the smart card"},
	KindServerTooBusy:          {"ServerTooBusy", 0x80100031, "the smart card resource manager is too busy to complete this operation"},
	KindUnsupportedCard:        {"UnsupportedCard", 0x80100065, "the reader cannot communicate with the card, due to ATR string configuration conflicts"},
	KindUnresponsiveCard:       {"UnresponsiveCard", 0x80100066, "the smart card is not responding to a reset"},
	KindUnpoweredCard:          {"UnpoweredCard", 0x80100067, "power has been removed from the smart card, so that further communication is not possible"},
	KindResetCard:              {"ResetCard", 0x80100068, "the smart card has been reset, so any shared state information is invalid"},
	KindRemovedCard:            {"RemovedCard", 0x80100069, "the smart card has been removed, so further communication is not possible"},
	KindSecurityViolation:      {"SecurityViolation", 0x8010006A, "access was denied because of a security violation"},
	KindWrongCHV:               {"WrongCHV", 0x8010006B, "the card cannot be accessed because the wrong PIN was presented"},
	KindCHVBlocked:             {"CHVBlocked", 0x8010006C, "the card cannot be accessed because the maximum number of PIN entry attempts has been reached"},
	KindEOF:                    {"EOF", 0x8010006D, "the end of the smart card file has been reached"},
	KindCancelledByUser:        {"CancelledByUser", 0x8010006E, "the user pressed \"Cancel\" on a smart card selection dialog"},
	KindCardNotAuthenticated:   {"CardNotAuthenticated", 0x8010006F, "no PIN was presented to the smart card"},
	KindCacheItemNotFound:      {"CacheItemNotFound", 0x80100070, "the requested item could not be found in the cache"},
	KindCacheItemStale:         {"CacheItemStale", 0x80100071, "the requested cache item is too old and was deleted from the cache"},
	KindCacheItemTooBig:        {"CacheItemTooBig", 0x80100072, "the new cache item exceeds the maximum per-item size defined for the cache"},
})

// The sentinels below read kinds during package initialization, so the
// platform codes must be part of its initializer rather than an init func.
func withPlatformCodes(table [kindCount]kindInfo) [kindCount]kindInfo {
	for k, c := range platformCodes {
		table[k].code = c
	}
	return table
}

var kindByCode = indexKinds()

func indexKinds() map[ReturnCode]ErrorKind {
	m := make(map[ReturnCode]ErrorKind, kindCount)
	for k := KindUnrecognized + 1; k < kindCount; k++ {
		if c := kinds[k].code; c != 0 {
			m[CodeFromUint32(c)] = k
		}
	}
	return m
}

func (k ErrorKind) String() string {
	if k >= kindCount {
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
	return kinds[k].name
}

// Code returns the canonical return code of k on this platform. It reports
// false for KindUnrecognized and for kinds the platform does not define
// (KindUnexpected outside Windows).
func (k ErrorKind) Code() (ReturnCode, bool) {
	if k >= kindCount || kinds[k].code == 0 {
		return 0, false
	}
	return CodeFromUint32(kinds[k].code), true
}

// Error is a decoded native failure. It is immutable; Code returns exactly
// the value the native layer produced.
type Error struct {
	kind ErrorKind
	code ReturnCode
}

// Decode converts a native return code. Success decodes to nil; a known
// code decodes to the matching kind; anything else, including a known code
// in a width the platform does not produce, decodes to KindUnrecognized
// with the raw value kept.
func Decode(rc ReturnCode) error {
	if rc == Success {
		return nil
	}
	if k, ok := kindByCode[rc]; ok {
		return &Error{kind: k, code: rc}
	}
	return &Error{kind: KindUnrecognized, code: rc}
}

func (e *Error) Kind() ErrorKind { return e.kind }
func (e *Error) Code() ReturnCode { return e.code }

func (e *Error) Error() string {
	if e.kind == KindUnrecognized {
		return fmt.Sprintf("pcsc: unrecognized return code %s", e.code)
	}
	return "pcsc: " + kinds[e.kind].desc
}

// Is matches errors of the same kind, so errors.Is(err, ErrNoSmartcard)
// holds for any decoded no-smartcard failure. Unrecognized errors match
// only on identical codes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.kind == KindUnrecognized || t.kind == KindUnrecognized {
		return e.kind == t.kind && e.code == t.code
	}
	return e.kind == t.kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.kind, true
	}
	return KindUnrecognized, false
}

func sentinel(k ErrorKind) *Error {
	code, _ := k.Code()
	return &Error{kind: k, code: code}
}

// Sentinels for errors.Is. Their Code is the platform's canonical value.
var (
	ErrInternalError          = sentinel(KindInternalError)
	ErrCancelled              = sentinel(KindCancelled)
	ErrInvalidHandle          = sentinel(KindInvalidHandle)
	ErrInvalidParameter       = sentinel(KindInvalidParameter)
	ErrInvalidTarget          = sentinel(KindInvalidTarget)
	ErrNoMemory               = sentinel(KindNoMemory)
	ErrWaitedTooLong          = sentinel(KindWaitedTooLong)
	ErrInsufficientBuffer     = sentinel(KindInsufficientBuffer)
	ErrUnknownReader          = sentinel(KindUnknownReader)
	ErrTimeout                = sentinel(KindTimeout)
	ErrSharingViolation       = sentinel(KindSharingViolation)
	ErrNoSmartcard            = sentinel(KindNoSmartcard)
	ErrUnknownCard            = sentinel(KindUnknownCard)
	ErrCantDispose            = sentinel(KindCantDispose)
	ErrProtoMismatch          = sentinel(KindProtoMismatch)
	ErrNotReady               = sentinel(KindNotReady)
	ErrInvalidValue           = sentinel(KindInvalidValue)
	ErrSystemCancelled        = sentinel(KindSystemCancelled)
	ErrCommError              = sentinel(KindCommError)
	ErrUnknownError           = sentinel(KindUnknownError)
	ErrInvalidATR             = sentinel(KindInvalidATR)
	ErrNotTransacted          = sentinel(KindNotTransacted)
	ErrReaderUnavailable      = sentinel(KindReaderUnavailable)
	ErrShutdown               = sentinel(KindShutdown)
	ErrPCITooSmall            = sentinel(KindPCITooSmall)
	ErrReaderUnsupported      = sentinel(KindReaderUnsupported)
	ErrDuplicateReader        = sentinel(KindDuplicateReader)
	ErrCardUnsupported        = sentinel(KindCardUnsupported)
	ErrNoService              = sentinel(KindNoService)
	ErrServiceStopped         = sentinel(KindServiceStopped)
	ErrUnexpected             = sentinel(KindUnexpected)
	ErrICCInstallation        = sentinel(KindICCInstallation)
	ErrICCCreateOrder         = sentinel(KindICCCreateOrder)
	ErrUnsupportedFeature     = sentinel(KindUnsupportedFeature)
	ErrDirNotFound            = sentinel(KindDirNotFound)
	ErrFileNotFound           = sentinel(KindFileNotFound)
	ErrNoDir                  = sentinel(KindNoDir)
	ErrNoFile                 = sentinel(KindNoFile)
	ErrNoAccess               = sentinel(KindNoAccess)
	ErrWriteTooMany           = sentinel(KindWriteTooMany)
	ErrBadSeek                = sentinel(KindBadSeek)
	ErrInvalidCHV             = sentinel(KindInvalidCHV)
	ErrUnknownResMng          = sentinel(KindUnknownResMng)
	ErrNoSuchCertificate      = sentinel(KindNoSuchCertificate)
	ErrCertificateUnavailable = sentinel(KindCertificateUnavailable)
	ErrNoReadersAvailable     = sentinel(KindNoReadersAvailable)
	ErrCommDataLost           = sentinel(KindCommDataLost)
	ErrNoKeyContainer         = sentinel(KindNoKeyContainer)
	ErrServerTooBusy          = sentinel(KindServerTooBusy)
	ErrUnsupportedCard        = sentinel(KindUnsupportedCard)
	ErrUnresponsiveCard       = sentinel(KindUnresponsiveCard)
	ErrUnpoweredCard          = sentinel(KindUnpoweredCard)
	ErrResetCard              = sentinel(KindResetCard)
	ErrRemovedCard            = sentinel(KindRemovedCard)
	ErrSecurityViolation      = sentinel(KindSecurityViolation)
	ErrWrongCHV               = sentinel(KindWrongCHV)
	ErrCHVBlocked             = sentinel(KindCHVBlocked)
	ErrEOF                    = sentinel(KindEOF)
	ErrCancelledByUser        = sentinel(KindCancelledByUser)
	ErrCardNotAuthenticated   = sentinel(KindCardNotAuthenticated)
	ErrCacheItemNotFound      = sentinel(KindCacheItemNotFound)
	ErrCacheItemStale         = sentinel(KindCacheItemStale)
	ErrCacheItemTooBig        = sentinel(KindCacheItemTooBig)
)

// Misuse of the safe layer. These never come from the native side.
var (
	ErrContextReleased   = errors.New("pcsc: context already released")
	ErrCardDisconnected  = errors.New("pcsc: card already disconnected")
	ErrTransactionEnded  = errors.New("pcsc: transaction already ended")
	ErrTransactionActive = errors.New("pcsc: card has an active transaction")
	ErrNoProtocol        = errors.New("pcsc: no protocol on a direct connection")
	ErrDirectConnection  = errors.New("pcsc: transmit requires a negotiated protocol")
	ErrDriverLength      = errors.New("pcsc: driver reported a length beyond the buffer")
)
