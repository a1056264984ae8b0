package pcsc

import "fmt"

// ReturnCode is a native PC/SC status value. The native type is the
// platform LONG, whose width differs between systems; ReturnCode holds it
// widened to 64 bits with the platform's own sign extension so that a value
// can be handed back to the native layer unchanged.
type ReturnCode int64

// Success is the only non-failure return code.
const Success ReturnCode = 0

// NormalizeReturnCode reinterprets v in the width of the platform LONG.
// Drivers use it to turn whatever integer the native call produced into a
// ReturnCode.
func NormalizeReturnCode(v int64) ReturnCode {
	if longBits == 32 {
		return ReturnCode(int32(v))
	}
	return ReturnCode(v)
}

// CodeFromUint32 returns the ReturnCode the platform headers define for the
// 32-bit constant c (for example 0x8010000C). On LP64 pcsc-lite the
// constants are positive; where LONG is 32 bits wide they are negative.
func CodeFromUint32(c uint32) ReturnCode {
	if longBits == 32 {
		return ReturnCode(int32(c))
	}
	return ReturnCode(int64(c))
}

// Uint32 returns the low 32 bits of the code, the form used by the
// published constant tables.
func (rc ReturnCode) Uint32() uint32 {
	return uint32(rc)
}

func (rc ReturnCode) String() string {
	if rc >= 0 && rc <= 0xFFFFFFFF {
		return fmt.Sprintf("0x%08X", uint32(rc))
	}
	return fmt.Sprintf("0x%016X", uint64(rc))
}
