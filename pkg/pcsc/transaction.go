package pcsc

import "errors"

// Transaction is an exclusive lock on a card. Use Card.WithTransaction
// where possible; a Transaction obtained from BeginTransaction must be
// ended explicitly.
type Transaction struct {
	card  *Card
	ended bool
}

// BeginTransaction starts a transaction. A card has at most one active
// transaction.
func (c *Card) BeginTransaction() (*Transaction, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.tx != nil {
		return nil, ErrTransactionActive
	}
	if err := Decode(c.driver().BeginTransaction(c.handle)); err != nil {
		return nil, err
	}
	c.tx = &Transaction{card: c}
	return c.tx, nil
}

// TryTransaction is BeginTransaction for callers that hand the card over:
// on failure the card is returned alongside the error so that it can be
// reconnected or closed.
func (c *Card) TryTransaction() (*Transaction, *Card, error) {
	tx, err := c.BeginTransaction()
	if err != nil {
		return nil, c, err
	}
	return tx, nil, nil
}

// WithTransaction runs fn inside a transaction and ends it with LeaveCard
// on every exit path, including a panic in fn.
func (c *Card) WithTransaction(fn func(tx *Transaction) error) (err error) {
	tx, err := c.BeginTransaction()
	if err != nil {
		return err
	}
	defer func() {
		if tx.ended {
			return
		}
		endErr := tx.finish(LeaveCard)
		if r := recover(); r != nil {
			panic(r)
		}
		if endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()
	return fn(tx)
}

// End ends the transaction with disposition d. If the native call fails
// the transaction stays active and End may be retried, unless the failure
// means the lock is already gone: the card was reset or removed, or the
// resource manager no longer knows the transaction.
func (t *Transaction) End(d Disposition) error {
	if t.ended {
		return ErrTransactionEnded
	}
	if err := Decode(t.card.driver().EndTransaction(t.card.handle, d)); err != nil {
		if lockLost(err) {
			t.detach()
		}
		return err
	}
	t.detach()
	return nil
}

func lockLost(err error) bool {
	return errors.Is(err, ErrNotTransacted) ||
		errors.Is(err, ErrResetCard) ||
		errors.Is(err, ErrRemovedCard)
}

// finish ends the transaction unconditionally, reporting a native failure.
func (t *Transaction) finish(d Disposition) error {
	err := Decode(t.card.driver().EndTransaction(t.card.handle, d))
	t.detach()
	return err
}

func (t *Transaction) detach() {
	t.ended = true
	if t.card.tx == t {
		t.card.tx = nil
	}
}

func (t *Transaction) check() error {
	if t.ended {
		return ErrTransactionEnded
	}
	return nil
}

// Card returns the card the transaction locks.
func (t *Transaction) Card() *Card { return t.card }

func (t *Transaction) Transmit(send, recv []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.Transmit(send, recv)
}

func (t *Transaction) TransmitSized(send, recv []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.TransmitSized(send, recv)
}

func (t *Transaction) TransmitOwned(send []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.TransmitOwned(send)
}

func (t *Transaction) Control(code uint32, send, recv []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.Control(code, send, recv)
}

func (t *Transaction) ControlOwned(code uint32, send []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.ControlOwned(code, send)
}

func (t *Transaction) GetAttribute(attr Attribute, buf []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.GetAttribute(attr, buf)
}

func (t *Transaction) GetAttributeOwned(attr Attribute) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.GetAttributeOwned(attr)
}

func (t *Transaction) SetAttribute(attr Attribute, data []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.card.SetAttribute(attr, data)
}

func (t *Transaction) Status2Owned() (*CardStatus, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.card.Status2Owned()
}
