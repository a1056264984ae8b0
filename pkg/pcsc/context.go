package pcsc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type contextInner struct {
	driver Driver
	handle ContextHandle
	refs   atomic.Int64
}

// acquire adds a co-owner unless the handle is already gone.
func (in *contextInner) acquire() bool {
	for {
		n := in.refs.Load()
		if n <= 0 {
			return false
		}
		if in.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// drop removes a co-owner and releases the native handle with the last one.
func (in *contextInner) drop() error {
	if in.refs.Add(-1) != 0 {
		return nil
	}
	return Decode(in.driver.ReleaseContext(in.handle))
}

// Context is one co-owner of a resource manager context. Clone creates
// further co-owners; the native context is released when the last one is
// closed. A Context value may be used from several goroutines, but Cancel is
// the only call the resource manager allows to overlap a blocking wait.
type Context struct {
	inner *contextInner

	mu     sync.Mutex
	closed bool
}

// Establish creates a new context through d.
func Establish(d Driver, scope Scope) (*Context, error) {
	h, rc := d.EstablishContext(scope)
	if err := Decode(rc); err != nil {
		return nil, err
	}
	in := &contextInner{driver: d, handle: h}
	in.refs.Store(1)
	return &Context{inner: in}, nil
}

func (c *Context) live() (*contextInner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextReleased
	}
	return c.inner, nil
}

// Driver returns the driver the context was established with.
func (c *Context) Driver() Driver {
	return c.inner.driver
}

// Clone returns a new co-owner of the same native context.
func (c *Context) Clone() (*Context, error) {
	in, err := c.live()
	if err != nil {
		return nil, err
	}
	if !in.acquire() {
		return nil, ErrContextReleased
	}
	return &Context{inner: in}, nil
}

// Refs returns the number of live co-owners, cards included.
func (c *Context) Refs() int64 {
	return c.inner.refs.Load()
}

// Release releases the native context immediately. It fails with
// ErrCantDispose while other co-owners (clones or connected cards) exist,
// and leaves c usable if the native release fails.
func (c *Context) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextReleased
	}
	in := c.inner
	if !in.refs.CompareAndSwap(1, 0) {
		return ErrCantDispose
	}
	if err := Decode(in.driver.ReleaseContext(in.handle)); err != nil {
		in.refs.Store(1)
		return err
	}
	c.closed = true
	return nil
}

// Close gives up this co-ownership. The native context is released when
// the last co-owner closes; the error of that release is returned.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextReleased
	}
	c.closed = true
	c.mu.Unlock()
	return c.inner.drop()
}

// IsValid asks the resource manager whether the context is still usable.
func (c *Context) IsValid() error {
	in, err := c.live()
	if err != nil {
		return err
	}
	return Decode(in.driver.IsValidContext(in.handle))
}

// Cancel aborts a GetStatusChange blocked on this context, typically from
// another goroutine holding a clone.
func (c *Context) Cancel() error {
	in, err := c.live()
	if err != nil {
		return err
	}
	return Decode(in.driver.Cancel(in.handle))
}

// ListReaders lists reader names into buf. An empty system yields an empty
// sequence rather than ErrNoReadersAvailable.
func (c *Context) ListReaders(buf []byte) (ReaderNames, error) {
	in, err := c.live()
	if err != nil {
		return ReaderNames{}, err
	}
	n, err := fill(buf, func(b []byte) (int, ReturnCode) {
		return in.driver.ListReaders(in.handle, b)
	})
	if errors.Is(err, ErrNoReadersAvailable) {
		return ReaderNames{}, nil
	}
	if err != nil {
		return ReaderNames{}, err
	}
	return newReaderNames(buf[:n]), nil
}

// ListReadersSized is ListReaders reporting the required size through
// *BufferError.
func (c *Context) ListReadersSized(buf []byte) (ReaderNames, error) {
	in, err := c.live()
	if err != nil {
		return ReaderNames{}, err
	}
	n, err := fillSized(buf, func(b []byte) (int, ReturnCode) {
		return in.driver.ListReaders(in.handle, b)
	})
	if errors.Is(err, ErrNoReadersAvailable) {
		return ReaderNames{}, nil
	}
	if err != nil {
		return ReaderNames{}, err
	}
	return newReaderNames(buf[:n]), nil
}

// ListReadersLen returns the buffer size ListReaders needs.
func (c *Context) ListReadersLen() (int, error) {
	in, err := c.live()
	if err != nil {
		return 0, err
	}
	n, rc := in.driver.ListReaders(in.handle, nil)
	err = Decode(rc)
	if errors.Is(err, ErrNoReadersAvailable) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListReadersOwned lists reader names into a buffer sized by the call.
func (c *Context) ListReadersOwned() ([]string, error) {
	in, err := c.live()
	if err != nil {
		return nil, err
	}
	buf, err := negotiate(listReadersHint, func(b []byte) (int, ReturnCode) {
		return in.driver.ListReaders(in.handle, b)
	})
	if errors.Is(err, ErrNoReadersAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newReaderNames(buf).Collect(), nil
}

const listReadersHint = 2048

// Connect connects to the card in reader. The returned Card co-owns the
// context, so it stays valid after c is closed.
func (c *Context) Connect(reader string, mode ShareMode, protocols Protocols) (*Card, error) {
	owner, err := c.Clone()
	if err != nil {
		return nil, err
	}
	in := owner.inner
	h, proto, rc := in.driver.Connect(in.handle, reader, mode, protocols)
	if err := Decode(rc); err != nil {
		_ = owner.Close()
		return nil, err
	}
	return &Card{ctx: owner, handle: h, protocol: proto}, nil
}

// GetStatusChange blocks until the state of one of the readers differs
// from its current state, the timeout expires (ErrTimeout) or the wait is
// cancelled (ErrCancelled). Infinite waits without a deadline; a zero
// timeout polls. Event states, ATRs and event counts are written back into
// states.
func (c *Context) GetStatusChange(timeout time.Duration, states []ReaderState) error {
	in, err := c.live()
	if err != nil {
		return err
	}
	raws := make([]RawReaderState, len(states))
	for i := range states {
		raws[i] = states[i].raw
	}
	err = Decode(in.driver.GetStatusChange(in.handle, timeout, raws))
	for i := range states {
		states[i].update(&raws[i])
	}
	return err
}
