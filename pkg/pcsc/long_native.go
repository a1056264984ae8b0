//go:build !darwin && !windows

package pcsc

import "strconv"

// pcsc-lite declares LONG as C long, which follows the pointer width.
const longBits = strconv.IntSize
