package pcsc

import (
	"bytes"
	"iter"
)

// ReaderNames is a finite, restartable sequence over a NUL separated
// multi-string. The zero value is empty.
type ReaderNames struct {
	buf []byte
	pos int
}

func newReaderNames(buf []byte) ReaderNames {
	return ReaderNames{buf: buf}
}

// ParseReaderNames wraps a multi-string produced by a driver.
func ParseReaderNames(buf []byte) ReaderNames {
	return newReaderNames(buf)
}

// Next returns the next name. It reports false once the terminating empty
// name or the end of the buffer is reached.
func (r *ReaderNames) Next() (string, bool) {
	if r.pos >= len(r.buf) {
		return "", false
	}
	rest := r.buf[r.pos:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		r.pos = len(r.buf)
		return "", false
	}
	r.pos += end + 1
	return string(rest[:end]), true
}

// Reset rewinds the sequence.
func (r *ReaderNames) Reset() {
	r.pos = 0
}

// All iterates over every name from the start, independent of Next.
func (r ReaderNames) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		it := ReaderNames{buf: r.buf}
		for {
			name, ok := it.Next()
			if !ok || !yield(name) {
				return
			}
		}
	}
}

// Collect returns every name as a slice.
func (r ReaderNames) Collect() []string {
	var out []string
	for name := range r.All() {
		out = append(out, name)
	}
	return out
}

// Len counts the names.
func (r ReaderNames) Len() int {
	n := 0
	for range r.All() {
		n++
	}
	return n
}
