// Package driver selects the PC/SC call surface the agent runs on.
// Implementations register themselves from init, the way database/sql
// drivers do; the agent blank-imports the ones built for the platform.
package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// Auto picks the registered driver with the highest priority.
const Auto = "auto"

// Factory opens a driver.
type Factory func() (pcsc.Driver, error)

type registration struct {
	open     Factory
	priority int
}

var (
	mu      sync.RWMutex
	drivers = map[string]registration{}
)

// Register makes a driver available under name. Drivers with priority below
// zero are never chosen by Auto. Registering a name twice panics.
func Register(name string, priority int, open Factory) {
	mu.Lock()
	defer mu.Unlock()
	if open == nil {
		panic("driver: Register factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("driver: Register called twice for %q", name))
	}
	drivers[name] = registration{open: open, priority: priority}
}

// Names returns the registered drivers, highest priority first.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := drivers[names[i]].priority, drivers[names[j]].priority
		if pi != pj {
			return pi > pj
		}
		return names[i] < names[j]
	})
	return names
}

// Open opens the named driver. With Auto it tries the candidates in
// priority order and returns the first that opens; the chosen name is
// returned as well.
func Open(name string) (pcsc.Driver, string, error) {
	if name == "" || name == Auto {
		return openAuto()
	}
	mu.RLock()
	reg, ok := drivers[name]
	mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("driver: unknown driver %q (registered: %v)", name, Names())
	}
	d, err := reg.open()
	if err != nil {
		return nil, "", fmt.Errorf("driver: open %s: %w", name, err)
	}
	return d, name, nil
}

func openAuto() (pcsc.Driver, string, error) {
	var errs []error
	for _, name := range Names() {
		mu.RLock()
		reg := drivers[name]
		mu.RUnlock()
		if reg.priority < 0 {
			continue
		}
		d, err := reg.open()
		if err == nil {
			return d, name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return nil, "", fmt.Errorf("driver: no driver available for auto selection")
	}
	return nil, "", fmt.Errorf("driver: no usable driver: %v", errs)
}
