package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/pcsc-agent/internal/driver/sim"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

func withRegistry(t *testing.T) {
	t.Helper()
	mu.Lock()
	saved := drivers
	drivers = map[string]registration{}
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		drivers = saved
		mu.Unlock()
	})
}

func TestOpenByName(t *testing.T) {
	withRegistry(t)
	want := sim.New()
	Register("fake", 0, func() (pcsc.Driver, error) { return want, nil })

	d, name, err := Open("fake")
	require.NoError(t, err)
	assert.Equal(t, "fake", name)
	assert.Same(t, want, d)

	_, _, err = Open("missing")
	assert.ErrorContains(t, err, `unknown driver "missing"`)
}

func TestAutoPrefersPriorityAndSkipsFailures(t *testing.T) {
	withRegistry(t)
	Register("broken", 30, func() (pcsc.Driver, error) { return nil, errors.New("no library") })
	Register("native", 20, func() (pcsc.Driver, error) { return sim.New(), nil })
	Register("fallback", 10, func() (pcsc.Driver, error) { return sim.New(), nil })
	Register("test-only", -1, func() (pcsc.Driver, error) { return sim.New(), nil })

	assert.Equal(t, []string{"broken", "native", "fallback", "test-only"}, Names())

	_, name, err := Open(Auto)
	require.NoError(t, err)
	assert.Equal(t, "native", name)
}

func TestAutoWithoutCandidates(t *testing.T) {
	withRegistry(t)
	Register("test-only", -1, func() (pcsc.Driver, error) { return sim.New(), nil })

	_, _, err := Open("")
	assert.Error(t, err)
}

func TestRegisterTwicePanics(t *testing.T) {
	withRegistry(t)
	Register("dup", 0, func() (pcsc.Driver, error) { return sim.New(), nil })
	assert.Panics(t, func() {
		Register("dup", 0, func() (pcsc.Driver, error) { return sim.New(), nil })
	})
}
