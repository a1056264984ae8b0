package pcsc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

func TestReaderNames(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want []string
	}{
		{"two readers", "Reader A\x00Reader B\x00\x00", []string{"Reader A", "Reader B"}},
		{"one reader", "Reader A\x00\x00", []string{"Reader A"}},
		{"empty multi-string", "\x00", nil},
		{"empty buffer", "", nil},
		{"missing terminator", "Reader A\x00Reader B", []string{"Reader A", "Reader B"}},
		{"stops at empty name", "Reader A\x00\x00garbage\x00", []string{"Reader A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names := pcsc.ParseReaderNames([]byte(tt.buf))
			assert.Equal(t, tt.want, names.Collect())
			assert.Equal(t, len(tt.want), names.Len())
		})
	}
}

func TestReaderNamesRestartable(t *testing.T) {
	names := pcsc.ParseReaderNames([]byte("A\x00B\x00C\x00\x00"))

	first, ok := names.Next()
	assert.True(t, ok)
	assert.Equal(t, "A", first)

	// All starts from the beginning regardless of Next.
	assert.Equal(t, []string{"A", "B", "C"}, names.Collect())

	second, _ := names.Next()
	assert.Equal(t, "B", second)

	names.Reset()
	again, _ := names.Next()
	assert.Equal(t, "A", again)

	var seen []string
	for n := range names.All() {
		seen = append(seen, n)
		if n == "B" {
			break
		}
	}
	assert.Equal(t, []string{"A", "B"}, seen)
}

func TestAppendMultiString(t *testing.T) {
	assert.Equal(t, []byte("\x00"), pcsc.AppendMultiString(nil))
	assert.Equal(t, []byte("a\x00bc\x00\x00"), pcsc.AppendMultiString(nil, "a", "bc"))
}
