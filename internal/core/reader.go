// Package core is the agent's view of the smart card subsystem. It owns
// one pcsc.Context for the lifetime of the agent and exposes reader
// listing, card access and a change monitor to the API layer.
package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// ErrReaderNotFound is returned for an out of range reader index.
var ErrReaderNotFound = errors.New("reader not found")

// Options tune how the service talks to readers.
type Options struct {
	Scope     pcsc.Scope
	ShareMode pcsc.ShareMode
	// TransmitRetries bounds how often a transmit is retried after the card
	// was reset by another application or a transaction was refused.
	TransmitRetries int
	// PollInterval is the re-list period of the monitor when the driver
	// cannot report reader arrival itself.
	PollInterval time.Duration
	// Hidden filters readers out of listings and monitoring.
	Hidden func(name string) bool
}

// Reader is a reader as reported to clients.
type Reader struct {
	Index       int      `json:"index"`
	Name        string   `json:"name"`
	State       []string `json:"state,omitempty"`
	CardPresent bool     `json:"cardPresent"`
	ATR         string   `json:"atr,omitempty"`
	EventCount  uint32   `json:"eventCount"`
}

// Service is safe for concurrent use. Every operation opens its own card
// connection on the shared context.
type Service struct {
	ctx    *pcsc.Context
	opts   Options
	driver string

	// unlocked is set once the driver refused BeginTransaction as
	// unsupported.
	unlocked atomic.Bool
}

// NewService establishes the agent's context on d. name is the driver's
// registry name, kept for health reporting.
func NewService(d pcsc.Driver, name string, opts Options) (*Service, error) {
	if opts.ShareMode == 0 {
		opts.ShareMode = pcsc.ShareShared
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	ctx, err := pcsc.Establish(d, opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("establish context: %w", err)
	}
	logging.Info(logging.CatSystem, "PC/SC context established", map[string]any{
		"driver": name,
		"scope":  opts.Scope,
	})
	return &Service{ctx: ctx, opts: opts, driver: name}, nil
}

// CardLocking reports whether card exchanges run inside transactions. It
// turns false once the driver has refused a transaction as unsupported;
// exchanges then run on the bare connection and another application may
// interleave its commands.
func (s *Service) CardLocking() bool { return !s.unlocked.Load() }

// Context is the service's own context handle.
func (s *Service) Context() *pcsc.Context { return s.ctx }

// DriverName is the registry name of the driver in use.
func (s *Service) DriverName() string { return s.driver }

// Close drops the service's context reference. The native context is
// released once cards and monitors holding clones are gone as well.
func (s *Service) Close() error {
	return s.ctx.Close()
}

// Healthy reports whether the resource manager still accepts the context.
func (s *Service) Healthy() error {
	return s.ctx.IsValid()
}

func (s *Service) hidden(name string) bool {
	return s.opts.Hidden != nil && s.opts.Hidden(name)
}

// ReaderNames lists the visible reader names.
func (s *Service) ReaderNames() ([]string, error) {
	all, err := s.ctx.ListReadersOwned()
	if err != nil {
		return nil, err
	}
	names := all[:0]
	for _, n := range all {
		if !s.hidden(n) {
			names = append(names, n)
		}
	}
	return names, nil
}

// ListReaders lists the visible readers with their current state.
func (s *Service) ListReaders() ([]Reader, error) {
	names, err := s.ReaderNames()
	if err != nil {
		return nil, err
	}
	readers := make([]Reader, len(names))
	if len(names) == 0 {
		return readers, nil
	}

	states := make([]pcsc.ReaderState, len(names))
	for i, n := range names {
		states[i] = pcsc.NewReaderState(n, pcsc.StateUnaware)
	}
	// Unaware current states make this return at once.
	err = s.ctx.GetStatusChange(0, states)
	withState := true
	switch {
	case err == nil, errors.Is(err, pcsc.ErrTimeout):
	case errors.Is(err, pcsc.ErrUnsupportedFeature):
		withState = false
	default:
		return nil, fmt.Errorf("read reader states: %w", err)
	}

	for i := range states {
		readers[i] = Reader{Index: i, Name: names[i]}
		if !withState {
			continue
		}
		ev := states[i].EventState()
		readers[i].State = ev.Names()
		readers[i].CardPresent = ev&pcsc.StatePresent != 0
		readers[i].EventCount = states[i].EventCount()
		if atr := states[i].ATR(); len(atr) > 0 {
			readers[i].ATR = hex.EncodeToString(atr)
		}
	}
	return readers, nil
}

// ReaderName resolves a reader index as used by the API.
func (s *Service) ReaderName(index int) (string, error) {
	names, err := s.ReaderNames()
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(names) {
		return "", fmt.Errorf("%w: index %d of %d", ErrReaderNotFound, index, len(names))
	}
	return names[index], nil
}
