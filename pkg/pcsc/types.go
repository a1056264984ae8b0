package pcsc

import (
	"strings"
	"time"
)

// Scope of a resource manager context.
type Scope uint32

const (
	ScopeUser     Scope = 0
	ScopeTerminal Scope = 1
	ScopeSystem   Scope = 2
	ScopeGlobal   Scope = 3
)

// ShareMode of a card connection.
type ShareMode uint32

const (
	ShareExclusive ShareMode = 1
	ShareShared    ShareMode = 2
	ShareDirect    ShareMode = 3
)

func (m ShareMode) String() string {
	switch m {
	case ShareExclusive:
		return "exclusive"
	case ShareShared:
		return "shared"
	case ShareDirect:
		return "direct"
	}
	return "unknown"
}

// Protocol is a single negotiated transmission protocol. The values are the
// pcsc-lite ones on every platform; drivers translate with ProtocolToNative
// and ProtocolFromNative.
type Protocol uint32

const (
	ProtocolUndefined Protocol = 0
	ProtocolT0        Protocol = 0x1
	ProtocolT1        Protocol = 0x2
	ProtocolRaw       Protocol = 0x4
	ProtocolT15       Protocol = 0x8
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUndefined:
		return "undefined"
	case ProtocolT0:
		return "T=0"
	case ProtocolT1:
		return "T=1"
	case ProtocolRaw:
		return "raw"
	case ProtocolT15:
		return "T=15"
	}
	return "unknown"
}

// Protocols is a mask of acceptable protocols.
type Protocols uint32

const (
	ProtocolsUndefined Protocols = 0
	ProtocolsT0        Protocols = Protocols(ProtocolT0)
	ProtocolsT1        Protocols = Protocols(ProtocolT1)
	ProtocolsRaw       Protocols = Protocols(ProtocolRaw)
	ProtocolsAny       Protocols = ProtocolsT0 | ProtocolsT1
)

// Has reports whether p is part of the mask.
func (ps Protocols) Has(p Protocol) bool {
	return p != ProtocolUndefined && uint32(ps)&uint32(p) != 0
}

// ProtocolsToNative converts a mask to the platform encoding.
func ProtocolsToNative(ps Protocols) uint32 {
	v := uint32(ps) &^ uint32(ProtocolRaw)
	if ps&ProtocolsRaw != 0 {
		v |= nativeProtocolRaw
	}
	return v
}

// ProtocolFromNative converts a negotiated native protocol. Values outside
// the known set come back as ProtocolUndefined.
func ProtocolFromNative(v uint32) Protocol {
	switch v {
	case uint32(ProtocolT0):
		return ProtocolT0
	case uint32(ProtocolT1):
		return ProtocolT1
	case nativeProtocolRaw:
		return ProtocolRaw
	case uint32(ProtocolT15):
		return ProtocolT15
	}
	return ProtocolUndefined
}

// Disposition says what happens to the card when a connection or
// transaction ends.
type Disposition uint32

const (
	LeaveCard   Disposition = 0
	ResetCard   Disposition = 1
	UnpowerCard Disposition = 2
	EjectCard   Disposition = 3
)

func (d Disposition) String() string {
	switch d {
	case LeaveCard:
		return "leave"
	case ResetCard:
		return "reset"
	case UnpowerCard:
		return "unpower"
	case EjectCard:
		return "eject"
	}
	return "unknown"
}

// Status is the card status reported by Card.Status2. It is a bitmask on
// every platform; Windows ordinals are converted by StatusFromNative.
type Status uint32

const (
	StatusUnknown    Status = 0x0001
	StatusAbsent     Status = 0x0002
	StatusPresent    Status = 0x0004
	StatusSwallowed  Status = 0x0008
	StatusPowered    Status = 0x0010
	StatusNegotiable Status = 0x0020
	StatusSpecific   Status = 0x0040
)

var statusNames = []struct {
	s    Status
	name string
}{
	{StatusUnknown, "unknown"},
	{StatusAbsent, "absent"},
	{StatusPresent, "present"},
	{StatusSwallowed, "swallowed"},
	{StatusPowered, "powered"},
	{StatusNegotiable, "negotiable"},
	{StatusSpecific, "specific"},
}

// StatusFromNative converts the native card status. WinSCard reports a
// single ordinal (0 unknown .. 6 specific); pcsc-lite reports the bitmask.
func StatusFromNative(v uint32) Status {
	if statusOrdinals {
		if v > 6 {
			return 0
		}
		return Status(1 << v)
	}
	return Status(v) & 0x7F
}

// Names lists the flags set in s.
func (s Status) Names() []string {
	var out []string
	for _, n := range statusNames {
		if s&n.s != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (s Status) String() string {
	return strings.Join(s.Names(), "|")
}

// State is a reader state mask as used by GetStatusChange. The upper 16
// bits of an event state carry the reader's event counter.
type State uint32

const (
	StateUnaware     State = 0x0000
	StateIgnore      State = 0x0001
	StateChanged     State = 0x0002
	StateUnknown     State = 0x0004
	StateUnavailable State = 0x0008
	StateEmpty       State = 0x0010
	StatePresent     State = 0x0020
	StateATRMatch    State = 0x0040
	StateExclusive   State = 0x0080
	StateInUse       State = 0x0100
	StateMute        State = 0x0200
	StateUnpowered   State = 0x0400

	stateFlagMask  State = 0xFFFF
	stateCountMask State = 0xFFFF0000
)

var stateNames = []struct {
	s    State
	name string
}{
	{StateIgnore, "ignore"},
	{StateChanged, "changed"},
	{StateUnknown, "unknown"},
	{StateUnavailable, "unavailable"},
	{StateEmpty, "empty"},
	{StatePresent, "present"},
	{StateATRMatch, "atr_match"},
	{StateExclusive, "exclusive"},
	{StateInUse, "in_use"},
	{StateMute, "mute"},
	{StateUnpowered, "unpowered"},
}

// Flags strips the event counter.
func (s State) Flags() State {
	return s & stateFlagMask
}

// Count returns the event counter carried in the upper 16 bits.
func (s State) Count() uint32 {
	return uint32(s&stateCountMask) >> 16
}

// Names lists the flags set in s, ignoring the event counter.
func (s State) Names() []string {
	if s.Flags() == StateUnaware {
		return []string{"unaware"}
	}
	var out []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (s State) String() string {
	return strings.Join(s.Names(), "|")
}

const (
	// Infinite makes GetStatusChange wait without a timeout. A zero
	// timeout polls.
	Infinite time.Duration = -1

	MaxATRSize            = 33
	MaxBufferSize         = 264
	MaxBufferSizeExtended = 4 + 3 + (1 << 16) + 3 + 2

	// PnPNotification is the pseudo reader name that reports reader
	// arrival and removal in GetStatusChange. Not every resource manager
	// supports it; unsupported ones report it with StateUnknown.
	PnPNotification = `\\?PnP?\Notification`
)

// IsPnPNotification reports whether name is the PnP pseudo reader.
func IsPnPNotification(name string) bool {
	return name == PnPNotification
}

// TimeoutMillis converts a GetStatusChange timeout into the native DWORD
// milliseconds, where 0xFFFFFFFF means infinite.
func TimeoutMillis(d time.Duration) uint32 {
	const infinite = 0xFFFFFFFF
	if d < 0 {
		return infinite
	}
	ms := d.Milliseconds()
	if ms >= infinite {
		return infinite - 1
	}
	return uint32(ms)
}
