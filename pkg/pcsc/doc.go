// Package pcsc is a safe layer over the platform smart card resource
// manager (pcsc-lite, the macOS PCSC framework or WinSCard).
//
// The raw call surface is supplied by a Driver. On top of it the package
// provides:
//
//   - Context: a session with the resource manager. Values are co-owners of
//     one native handle; the native release happens exactly once, when the
//     last co-owner is closed.
//   - Card: a connection to a card. Every Card holds its own co-ownership of
//     the Context it was created from, so dropping the caller's Context does
//     not invalidate the card.
//   - Transaction: an exclusive lock on a Card, ended on every exit path
//     when used through Card.WithTransaction.
//   - ReaderState: the per-reader record consumed by GetStatusChange.
//
// Every native failure is decoded into an *Error that keeps the original
// ReturnCode, so unknown codes are never lost.
//
// Operations returning variable-length data come in three flavours: a
// caller-buffer form (Transmit), a size-aware form that reports the required
// size on ErrInsufficientBuffer (TransmitSized) and an owning form that sizes
// the buffer itself (TransmitOwned).
//
// The package starts no goroutines. Context may be shared between
// goroutines through Clone; Card and Transaction are meant for a single
// goroutine at a time.
package pcsc
