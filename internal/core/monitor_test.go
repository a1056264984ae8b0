package core

import (
	"testing"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/driver/sim"
)

func startMonitor(t *testing.T, svc *Service) *Monitor {
	t.Helper()
	m, err := svc.Monitor(16)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	t.Cleanup(func() {
		if err := m.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return m
}

// waitFor drains events until one of the given type for reader arrives.
func waitFor(t *testing.T, m *Monitor, typ EventType, reader string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s on %s", typ, reader)
			}
			if ev.Type == typ && ev.Reader == reader {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s on %s", typ, reader)
		}
	}
}

func TestMonitorInitialState(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	m := startMonitor(t, svc)

	waitFor(t, m, EventReaderAdded, readerA)
	waitFor(t, m, EventReaderAdded, readerB)
	ev := waitFor(t, m, EventCardInserted, readerA)
	if ev.ATR != "3b8f8001804f0ca0000003060300030000000068" {
		t.Errorf("ATR = %q", ev.ATR)
	}
	if ev.Time.IsZero() {
		t.Error("event time not set")
	}
}

func TestMonitorCardChanges(t *testing.T) {
	svc, d := newTestService(t, Options{})
	m := startMonitor(t, svc)
	waitFor(t, m, EventCardInserted, readerA)

	d.RemoveCard(readerA)
	waitFor(t, m, EventCardRemoved, readerA)

	d.InsertCard(readerB, sim.NewCard(testATR, testUID))
	waitFor(t, m, EventCardInserted, readerB)
}

func TestMonitorReaderChanges(t *testing.T) {
	svc, d := newTestService(t, Options{})
	m := startMonitor(t, svc)
	waitFor(t, m, EventCardInserted, readerA)

	const readerC = "HID Global OMNIKEY 5422 Smartcard Reader 02 00"
	d.AddReader(readerC)
	waitFor(t, m, EventReaderAdded, readerC)

	d.RemoveReader(readerB)
	waitFor(t, m, EventReaderRemoved, readerB)
}

func TestMonitorPollsWithoutPnP(t *testing.T) {
	svc, d := newTestService(t, Options{PollInterval: 20 * time.Millisecond})
	d.SetPnP(false)
	m := startMonitor(t, svc)
	waitFor(t, m, EventCardInserted, readerA)

	const readerC = "HID Global OMNIKEY 5422 Smartcard Reader 02 00"
	d.AddReader(readerC)
	waitFor(t, m, EventReaderAdded, readerC)

	d.InsertCard(readerC, sim.NewCard(testATR, nil))
	waitFor(t, m, EventCardInserted, readerC)
}

func TestMonitorHidesReaders(t *testing.T) {
	svc, d := newTestService(t, Options{
		Hidden: func(name string) bool { return name == readerA },
	})
	m := startMonitor(t, svc)
	waitFor(t, m, EventReaderAdded, readerB)

	d.InsertCard(readerB, sim.NewCard(testATR, testUID))
	ev := waitFor(t, m, EventCardInserted, readerB)
	if ev.Reader == readerA {
		t.Error("hidden reader reported")
	}
}

func TestMonitorStopDuringWait(t *testing.T) {
	d := sim.New()
	svc, err := NewService(d, "sim", Options{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Close()

	// No readers: the monitor blocks on the PnP reader alone.
	m, err := svc.Monitor(1)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if _, ok := <-m.Events(); ok {
		t.Error("events channel still open after Stop")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if n := d.Contexts(); n != 1 {
		t.Errorf("%d contexts open, want only the service's", n)
	}
}
