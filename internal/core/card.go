package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// getUIDCommand is the PC/SC part 3 pseudo APDU for the contactless UID.
var getUIDCommand = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// ErrInvalidAPDU is returned for commands shorter than a header.
var ErrInvalidAPDU = errors.New("APDU must have at least 4 bytes")

// Card describes the card in a reader.
type Card struct {
	Reader   string   `json:"reader"`
	UID      string   `json:"uid,omitempty"`
	ATR      string   `json:"atr,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Status   []string `json:"status,omitempty"`
}

// Response is the result of a transmitted APDU.
type Response struct {
	Data string `json:"data"`
	SW   string `json:"sw"`
	OK   bool   `json:"ok"`
}

// NewResponse splits a raw response into data and status word.
func NewResponse(raw []byte) Response {
	if len(raw) < 2 {
		return Response{Data: hex.EncodeToString(raw)}
	}
	n := len(raw) - 2
	sw1, sw2 := raw[n], raw[n+1]
	return Response{
		Data: hex.EncodeToString(raw[:n]),
		SW:   fmt.Sprintf("%02X%02X", sw1, sw2),
		OK:   (sw1 == 0x90 && sw2 == 0x00) || sw1 == 0x61,
	}
}

func (s *Service) connect(reader string, mode pcsc.ShareMode) (*pcsc.Card, error) {
	protocols := pcsc.ProtocolsAny
	if mode == pcsc.ShareDirect {
		protocols = pcsc.ProtocolsUndefined
	}
	card, err := s.ctx.Connect(reader, mode, protocols)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", reader, err)
	}
	return card, nil
}

// release leaves the card as it is. If that fails the card is dropped,
// which resets it.
func (s *Service) release(reader string, card *pcsc.Card) {
	if err := card.Disconnect(pcsc.LeaveCard); err != nil {
		logging.Warn(logging.CatCard, "Disconnect failed, resetting card", map[string]any{
			"reader": reader,
			"error":  err.Error(),
		})
		_ = card.Close()
	}
}

// CardInfo reads ATR, protocol and, for contactless cards, the UID.
func (s *Service) CardInfo(reader string) (*Card, error) {
	card, err := s.connect(reader, s.opts.ShareMode)
	if err != nil {
		return nil, err
	}
	defer s.release(reader, card)

	info := &Card{Reader: reader}
	if proto, ok := card.ActiveProtocol(); ok {
		info.Protocol = proto.String()
	}

	err = s.exchange(reader, card, func(x exchanger) error {
		st, err := x.Status2Owned()
		switch {
		case err == nil:
			info.ATR = hex.EncodeToString(st.ATR())
			info.Status = st.Status().Names()
		case errors.Is(err, pcsc.ErrUnsupportedFeature):
		default:
			return fmt.Errorf("card status: %w", err)
		}

		rsp, err := x.TransmitOwned(getUIDCommand)
		if err != nil {
			return fmt.Errorf("get UID: %w", err)
		}
		// Contact cards reject the pseudo APDU; they simply have no UID.
		if r := NewResponse(rsp); r.SW == "9000" {
			info.UID = r.Data
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Debug(logging.CatCard, "Card read", map[string]any{
		"reader": reader,
		"uid":    info.UID,
		"atr":    info.ATR,
	})
	return info, nil
}

// exchanger is what an exchange with a card needs; both a card and a
// transaction on it provide it.
type exchanger interface {
	TransmitOwned(send []byte) ([]byte, error)
	Status2Owned() (*pcsc.CardStatus, error)
}

// exchange runs fn inside a transaction on card, or on the bare card when
// the driver cannot lock cards. Once fn succeeded, a failure to end the
// transaction is only logged: the card has answered and a lock lost
// afterwards does not undo that.
func (s *Service) exchange(reader string, card *pcsc.Card, fn func(exchanger) error) (err error) {
	tx, _, err := card.TryTransaction()
	switch {
	case errors.Is(err, pcsc.ErrUnsupportedFeature):
		if !s.unlocked.Swap(true) {
			logging.Warn(logging.CatCard, "Driver cannot lock cards, exchanging without transactions", map[string]any{
				"reader": reader,
				"driver": s.driver,
			})
		}
		return fn(card)
	case err != nil:
		return err
	}

	defer func() {
		endErr := tx.End(pcsc.LeaveCard)
		if endErr == nil {
			return
		}
		if err != nil {
			err = errors.Join(err, endErr)
			return
		}
		logging.Warn(logging.CatCard, "Ending transaction failed after exchange", map[string]any{
			"reader": reader,
			"error":  endErr.Error(),
		})
	}()
	return fn(tx)
}

func retryDelay(attempt int) time.Duration {
	return time.Duration(attempt+1) * 50 * time.Millisecond
}

// Transmit sends apdu inside a transaction. A card reset by another
// application is reconnected and a refused transaction is retried after a
// short delay, up to Options.TransmitRetries times.
func (s *Service) Transmit(reader string, apdu []byte) ([]byte, error) {
	if len(apdu) < 4 {
		return nil, ErrInvalidAPDU
	}
	card, err := s.connect(reader, s.opts.ShareMode)
	if err != nil {
		return nil, err
	}
	defer func() { s.release(reader, card) }()

	for attempt := 0; ; attempt++ {
		var rsp []byte
		err := s.exchange(reader, card, func(x exchanger) error {
			var err error
			rsp, err = x.TransmitOwned(apdu)
			return err
		})
		if err == nil {
			return rsp, nil
		}

		if attempt >= s.opts.TransmitRetries {
			return nil, err
		}
		switch {
		case errors.Is(err, pcsc.ErrResetCard):
			if rerr := card.Reconnect(s.opts.ShareMode, pcsc.ProtocolsAny, pcsc.LeaveCard); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
		case errors.Is(err, pcsc.ErrSharingViolation):
			time.Sleep(retryDelay(attempt))
		default:
			return nil, err
		}
		logging.Debug(logging.CatCard, "Retrying transmit", map[string]any{
			"reader":  reader,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
}

// Control sends a reader control command over a direct connection, which
// works with or without a card.
func (s *Service) Control(reader string, code uint32, data []byte) ([]byte, error) {
	card, err := s.connect(reader, pcsc.ShareDirect)
	if err != nil {
		return nil, err
	}
	defer s.release(reader, card)

	out, err := card.ControlOwned(pcsc.CtlCode(code), data)
	if err != nil {
		return nil, fmt.Errorf("control %d: %w", code, err)
	}
	return out, nil
}

// Attribute reads a reader attribute over a direct connection.
func (s *Service) Attribute(reader string, attr pcsc.Attribute) ([]byte, error) {
	card, err := s.connect(reader, pcsc.ShareDirect)
	if err != nil {
		return nil, err
	}
	defer s.release(reader, card)

	val, err := card.GetAttributeOwned(attr)
	if err != nil {
		return nil, fmt.Errorf("get attribute %s: %w", attr, err)
	}
	return val, nil
}
