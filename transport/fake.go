package transport

import (
	"context"
	"sync"
)

// Fake is an in-memory Transport double for unit tests. Sent() yields
// whatever was passed to Send, in order; Push delivers an inbound frame
// to Messages(); Kill ends the connection as the network would.
type Fake struct {
	mu       sync.Mutex
	connectErr error
	disposed bool
	closed   bool

	sent     [][]byte
	messages chan []byte
	closedCh chan error
	once     sync.Once

	onSend func([]byte) error
}

// NewFake constructs a Fake transport whose Connect succeeds until
// FailNextConnect is called.
func NewFake() *Fake {
	return &Fake{
		messages: make(chan []byte, 64),
		closedCh: make(chan error, 1),
	}
}

// FailNextConnect makes the next Connect call fail with err and marks the
// instance disposed, as a real dropped dial would.
func (f *Fake) FailNextConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// OnSend installs a hook invoked synchronously from Send, letting tests
// simulate write failures (e.g. "transport died mid-store").
func (f *Fake) OnSend(hook func([]byte) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = hook
}

func (f *Fake) Connect(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return ErrDisposed
	}
	if f.connectErr != nil {
		err := f.connectErr
		f.connectErr = nil
		f.disposed = true
		return err
	}
	return nil
}

func (f *Fake) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	hook := f.onSend
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return ErrNotConnected
	}
	if hook != nil {
		if err := hook(data); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close(code uint16, reason string) {
	f.finish(nil)
}

func (f *Fake) Messages() <-chan []byte { return f.messages }
func (f *Fake) Closed() <-chan error    { return f.closedCh }

// Push delivers data as an inbound frame.
func (f *Fake) Push(data []byte) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.messages <- data
}

// Sent returns a snapshot of every frame handed to Send so far.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// Kill ends the connection as the network would, with err delivered on
// Closed() (nil for a clean remote close).
func (f *Fake) Kill(err error) {
	f.finish(err)
}

func (f *Fake) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.messages)
		f.closedCh <- err
		close(f.closedCh)
	})
}
