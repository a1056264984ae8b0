package core

import (
	"bytes"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/driver/sim"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

const (
	readerA = "ACS ACR1252 Dual Reader PICC 00 00"
	readerB = "Identiv uTrust 3700 F CL Reader 01 00"
)

var (
	testATR = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68}
	testUID = []byte{0x04, 0x5B, 0x1A, 0x22, 0x6C, 0x71, 0x80}
	testAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x08}
	testFCI = []byte{0x61, 0x04, 0x4F, 0x02, 0x10, 0x00}
)

func newTestService(t *testing.T, opts Options) (*Service, *sim.Driver) {
	t.Helper()
	d := sim.New()
	d.AddReader(readerA)
	d.AddReader(readerB)
	d.InsertCard(readerA, sim.NewCard(testATR, testUID).WithApp(testAID, testFCI))

	if opts.PollInterval == 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	svc, err := NewService(d, "sim", opts)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		if n := d.Contexts(); n != 0 {
			t.Errorf("%d contexts left open", n)
		}
	})
	return svc, d
}

func TestNewServiceNoService(t *testing.T) {
	d := sim.New()
	d.SetServiceDown(true)

	_, err := NewService(d, "sim", Options{})
	if !errors.Is(err, pcsc.ErrNoService) {
		t.Errorf("NewService() error = %v, want ErrNoService", err)
	}
}

func TestListReaders(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	readers, err := svc.ListReaders()
	if err != nil {
		t.Fatalf("ListReaders() error = %v", err)
	}
	if len(readers) != 2 {
		t.Fatalf("got %d readers, want 2", len(readers))
	}

	a, b := readers[0], readers[1]
	if a.Index != 0 || a.Name != readerA || b.Index != 1 || b.Name != readerB {
		t.Errorf("unexpected readers: %+v", readers)
	}
	if !a.CardPresent || a.ATR != "3b8f8001804f0ca0000003060300030000000068" {
		t.Errorf("reader A = %+v, want card with ATR", a)
	}
	if a.EventCount != 1 {
		t.Errorf("reader A event count = %d, want 1", a.EventCount)
	}
	if b.CardPresent || b.ATR != "" {
		t.Errorf("reader B = %+v, want empty", b)
	}
	if !slices.Contains(b.State, "empty") {
		t.Errorf("reader B state = %v, want empty", b.State)
	}
}

func TestListReadersHidden(t *testing.T) {
	svc, _ := newTestService(t, Options{
		Hidden: func(name string) bool { return name == readerA },
	})

	readers, err := svc.ListReaders()
	if err != nil {
		t.Fatalf("ListReaders() error = %v", err)
	}
	if len(readers) != 1 || readers[0].Name != readerB || readers[0].Index != 0 {
		t.Errorf("ListReaders() = %+v, want only reader B at index 0", readers)
	}

	name, err := svc.ReaderName(0)
	if err != nil || name != readerB {
		t.Errorf("ReaderName(0) = %q, %v", name, err)
	}
}

func TestListReadersEmpty(t *testing.T) {
	svc, d := newTestService(t, Options{})
	d.RemoveReader(readerA)
	d.RemoveReader(readerB)

	readers, err := svc.ListReaders()
	if err != nil {
		t.Fatalf("ListReaders() error = %v", err)
	}
	if readers == nil || len(readers) != 0 {
		t.Errorf("ListReaders() = %#v, want empty non-nil slice", readers)
	}
}

func TestReaderNameOutOfRange(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	for _, idx := range []int{-1, 2, 10} {
		if _, err := svc.ReaderName(idx); !errors.Is(err, ErrReaderNotFound) {
			t.Errorf("ReaderName(%d) error = %v, want ErrReaderNotFound", idx, err)
		}
	}
}

func TestCardInfo(t *testing.T) {
	svc, d := newTestService(t, Options{})

	card, err := svc.CardInfo(readerA)
	if err != nil {
		t.Fatalf("CardInfo() error = %v", err)
	}
	if card.UID != "045b1a226c7180" {
		t.Errorf("UID = %q", card.UID)
	}
	if card.ATR != "3b8f8001804f0ca0000003060300030000000068" {
		t.Errorf("ATR = %q", card.ATR)
	}
	if card.Protocol != "T=1" {
		t.Errorf("Protocol = %q, want T=1", card.Protocol)
	}
	if len(card.Status) == 0 {
		t.Error("Status should not be empty")
	}
	if n := d.Connections(); n != 0 {
		t.Errorf("%d connections left open", n)
	}
	if got := d.Calls("EndTransaction"); got != 1 {
		t.Errorf("EndTransaction called %d times, want 1", got)
	}
}

func TestCardInfoContactCard(t *testing.T) {
	svc, d := newTestService(t, Options{})
	d.InsertCard(readerB, sim.NewCard(testATR, nil))

	card, err := svc.CardInfo(readerB)
	if err != nil {
		t.Fatalf("CardInfo() error = %v", err)
	}
	if card.UID != "" {
		t.Errorf("UID = %q, want empty for a contact card", card.UID)
	}
	if card.ATR == "" {
		t.Error("ATR should be set")
	}
}

func TestCardInfoNoCard(t *testing.T) {
	svc, d := newTestService(t, Options{})

	_, err := svc.CardInfo(readerB)
	if !errors.Is(err, pcsc.ErrNoSmartcard) {
		t.Errorf("CardInfo() error = %v, want ErrNoSmartcard", err)
	}
	if n := d.Connections(); n != 0 {
		t.Errorf("%d connections left open", n)
	}
}

func TestTransmit(t *testing.T) {
	svc, d := newTestService(t, Options{})

	apdu := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(testAID))}, testAID...)
	rsp, err := svc.Transmit(readerA, apdu)
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	want := append(append([]byte{}, testFCI...), 0x90, 0x00)
	if !bytes.Equal(rsp, want) {
		t.Errorf("Transmit() = % X, want % X", rsp, want)
	}

	r := NewResponse(rsp)
	if !r.OK || r.SW != "9000" || r.Data != "61044f021000" {
		t.Errorf("NewResponse() = %+v", r)
	}
	if n := d.Connections(); n != 0 {
		t.Errorf("%d connections left open", n)
	}
}

func TestTransmitInvalidAPDU(t *testing.T) {
	svc, d := newTestService(t, Options{})

	if _, err := svc.Transmit(readerA, []byte{0x00, 0xA4}); !errors.Is(err, ErrInvalidAPDU) {
		t.Errorf("Transmit() error = %v, want ErrInvalidAPDU", err)
	}
	if got := d.Calls("Connect"); got != 0 {
		t.Errorf("Connect called %d times for an invalid APDU", got)
	}
}

func TestTransmitReconnectsAfterReset(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 2})
	d.FailNext("BeginTransaction", pcsc.ErrResetCard.Code())

	rsp, err := svc.Transmit(readerA, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if !bytes.Equal(rsp[:len(testUID)], testUID) {
		t.Errorf("Transmit() = % X", rsp)
	}
	if got := d.Calls("Reconnect"); got != 1 {
		t.Errorf("Reconnect called %d times, want 1", got)
	}
	if got := d.Calls("BeginTransaction"); got != 2 {
		t.Errorf("BeginTransaction called %d times, want 2", got)
	}
}

func TestTransmitKeepsResponseWhenResetDuringExchange(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 2})
	resets := 0
	card := sim.NewCard(testATR, testUID)
	card.Handler = func(apdu []byte) []byte {
		if resets == 0 {
			resets++
			d.ResetCard(readerB)
		}
		return []byte{0x01, 0x02, 0x90, 0x00}
	}
	d.InsertCard(readerB, card)

	for i := 0; i < 2; i++ {
		rsp, err := svc.Transmit(readerB, []byte{0x00, 0xB0, 0x00, 0x00, 0x02})
		if err != nil {
			t.Fatalf("Transmit() #%d error = %v", i+1, err)
		}
		if got := NewResponse(rsp); !got.OK || got.Data != "0102" {
			t.Errorf("Transmit() #%d = %+v", i+1, got)
		}
		if n := d.Connections(); n != 0 {
			t.Errorf("%d connections left open after Transmit() #%d", n, i+1)
		}
	}
	if got := d.Calls("EndTransaction"); got != 2 {
		t.Errorf("EndTransaction called %d times, want 2", got)
	}
}

func TestTransmitReconnectsWhenTransactionLost(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 2})
	d.FailNext("Transmit", pcsc.ErrResetCard.Code())
	d.FailNext("EndTransaction", pcsc.ErrNotTransacted.Code())

	rsp, err := svc.Transmit(readerA, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if !bytes.Equal(rsp[:len(testUID)], testUID) {
		t.Errorf("Transmit() = % X", rsp)
	}
	if got := d.Calls("Reconnect"); got != 1 {
		t.Errorf("Reconnect called %d times, want 1", got)
	}
	if got := d.Calls("BeginTransaction"); got != 2 {
		t.Errorf("BeginTransaction called %d times, want 2", got)
	}
}

func TestTransmitWithoutTransactions(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 2})
	if !svc.CardLocking() {
		t.Fatal("CardLocking() = false before any exchange")
	}
	d.FailNext("BeginTransaction", pcsc.ErrUnsupportedFeature.Code())

	rsp, err := svc.Transmit(readerA, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if !bytes.Equal(rsp[:len(testUID)], testUID) {
		t.Errorf("Transmit() = % X", rsp)
	}
	if svc.CardLocking() {
		t.Error("CardLocking() = true after the driver refused a transaction")
	}
	if got := d.Calls("EndTransaction"); got != 0 {
		t.Errorf("EndTransaction called %d times, want 0", got)
	}
	if got := d.Calls("Reconnect"); got != 0 {
		t.Errorf("Reconnect called %d times, want 0", got)
	}
	if n := d.Connections(); n != 0 {
		t.Errorf("%d connections left open", n)
	}
}

func TestTransmitRetriesSharingViolation(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 3})
	d.FailNext("BeginTransaction", pcsc.ErrSharingViolation.Code())
	d.FailNext("BeginTransaction", pcsc.ErrSharingViolation.Code())

	if _, err := svc.Transmit(readerA, []byte{0x00, 0x84, 0x00, 0x00, 0x08}); err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if got := d.Calls("BeginTransaction"); got != 3 {
		t.Errorf("BeginTransaction called %d times, want 3", got)
	}
	if got := d.Calls("Reconnect"); got != 0 {
		t.Errorf("Reconnect called %d times, want 0", got)
	}
}

func TestTransmitGivesUp(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 1})
	d.FailNext("BeginTransaction", pcsc.ErrResetCard.Code())
	d.FailNext("BeginTransaction", pcsc.ErrResetCard.Code())

	_, err := svc.Transmit(readerA, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if !errors.Is(err, pcsc.ErrResetCard) {
		t.Errorf("Transmit() error = %v, want ErrResetCard", err)
	}
	if n := d.Connections(); n != 0 {
		t.Errorf("%d connections left open", n)
	}
}

func TestTransmitNoRetryForOtherErrors(t *testing.T) {
	svc, d := newTestService(t, Options{TransmitRetries: 3})
	d.FailNext("Transmit", pcsc.ErrCommError.Code())

	_, err := svc.Transmit(readerA, []byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if !errors.Is(err, pcsc.ErrCommError) {
		t.Errorf("Transmit() error = %v, want ErrCommError", err)
	}
	if got := d.Calls("Transmit"); got != 1 {
		t.Errorf("Transmit called %d times, want 1", got)
	}
	if got := d.Calls("EndTransaction"); got != 1 {
		t.Errorf("EndTransaction called %d times, want 1", got)
	}
}

func TestControl(t *testing.T) {
	svc, d := newTestService(t, Options{})

	// Direct connections work on an empty reader.
	out, err := svc.Control(readerB, sim.FeatureRequest, nil)
	if err != nil {
		t.Fatalf("Control() error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Control() = % X, want empty", out)
	}

	_, err = svc.Control(readerB, 1, nil)
	if !errors.Is(err, pcsc.ErrUnsupportedFeature) {
		t.Errorf("Control(1) error = %v, want ErrUnsupportedFeature", err)
	}
	if n := d.Connections(); n != 0 {
		t.Errorf("%d connections left open", n)
	}
}

func TestAttribute(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	val, err := svc.Attribute(readerB, pcsc.AttrVendorName)
	if err != nil {
		t.Fatalf("Attribute() error = %v", err)
	}
	if string(val) != "SimplyPrint\x00" {
		t.Errorf("Attribute() = %q", val)
	}

	val, err = svc.Attribute(readerA, pcsc.AttrATRString)
	if err != nil || !bytes.Equal(val, testATR) {
		t.Errorf("Attribute(ATR) = % X, %v", val, err)
	}

	if _, err := svc.Attribute(readerB, pcsc.AttrATRString); !errors.Is(err, pcsc.ErrNoSmartcard) {
		t.Errorf("Attribute(ATR) on empty reader error = %v, want ErrNoSmartcard", err)
	}
}

func TestNewResponseShort(t *testing.T) {
	r := NewResponse([]byte{0x90})
	if r.OK || r.SW != "" || r.Data != "90" {
		t.Errorf("NewResponse(short) = %+v", r)
	}
	if r := NewResponse([]byte{0x61, 0x10}); !r.OK {
		t.Error("61xx should count as success")
	}
	if r := NewResponse([]byte{0x6A, 0x82}); r.OK {
		t.Error("6A82 should not count as success")
	}
}
