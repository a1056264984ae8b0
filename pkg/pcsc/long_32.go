//go:build darwin || windows

package pcsc

// LONG is 32 bits wide in the macOS PCSC framework and in WinSCard.
const longBits = 32
