// Package socket implements the stateful, self-healing WebSocket core
// (component D of the spec this module implements): it owns exactly one
// transport.Transport at a time, queues outgoing items while disconnected,
// survives transport drops by retrying the dial indefinitely, and notifies
// callers of message/closed transitions through a small set of hooks.
//
// Socket is generic over the queued item type so the Bayeux session layer
// (package bayeux) can reuse it verbatim with Request as the item type,
// the same way the teacher's wss.Client is a plain byte-oriented core that
// an application-specific client (clob.WSClient) layers a protocol on top
// of via callbacks rather than subclassing.
package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quangdang212/bayeux-go/reachability"
	"github.com/quangdang212/bayeux-go/transport"
)

// Hooks lets a higher layer (e.g. bayeux.Session) customize the socket's
// behaviour without subclassing, the Go analogue of the spec's "subclass
// hook" overrides.
type Hooks[T any] struct {
	// Serialize turns a queued item into wire bytes. Required.
	Serialize func(item T) ([]byte, error)

	// OnMessage is invoked for every raw inbound text frame, in order, on
	// the connection that is current at the time it arrived.
	OnMessage func(data []byte)

	// OnClosed is invoked exactly once per logical connection loss, after
	// internal state has been reset (connected=false).
	OnClosed func(err error)

	// Interval returns the current retry/backoff interval. If nil, the
	// Socket's baseInterval is used unconditionally (Bayeux overrides
	// this with its current advice.Interval).
	Interval func() time.Duration

	// ExecuteConnect runs once per successful dial, with the transport
	// already bound and connected=true, before Connect/Reconnect return.
	// Returning an error aborts this attempt (the transport is torn down
	// and the dial loop retries with a fresh instance) — this is how
	// Bayeux folds handshake failure into the connect retry loop. Items
	// queued before the dial are held back until it returns, so only what
	// it sends itself (e.g. a handshake) goes out first.
	ExecuteConnect func(ctx context.Context, s *Socket[T]) error

	// Reconnect, if set, replaces the default "just connect again" auto
	// reconnect behaviour fired after an unrequested close. It runs with
	// connectingLock held. Bayeux uses this to honour advice.Reconnect
	// and to re-subscribe once the new connection (and its own
	// ExecuteConnect-driven handshake) is up.
	Reconnect func(ctx context.Context, s *Socket[T]) error

	// ExecuteClose runs when Close is called, instead of the default
	// "tear down the transport directly" behaviour. Implementations must
	// eventually call s.Teardown to actually close the transport and
	// release Close's caller.
	ExecuteClose func(ctx context.Context, s *Socket[T], code uint16, reason string)

	// OnDialError, OnSerializeError and OnFlushError are optional
	// observability callbacks; infrastructure errors are otherwise
	// absorbed silently per the spec's error taxonomy.
	OnDialError      func(err error)
	OnSerializeError func(item T, err error)
	OnFlushError     func(err error)
}

// Socket is the reconnecting, queueing WebSocket core.
type Socket[T any] struct {
	uri     string
	factory transport.Factory
	hooks   Hooks[T]

	baseInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex
	flushMu   sync.Mutex

	mu             sync.Mutex
	tr             transport.Transport
	connected      bool
	closeRequested bool
	gen            uint64
	queue          []T

	oracle       *reachability.Oracle
	oracleCancel func()
}

// New constructs a Socket. baseInterval is the default retry backoff used
// when hooks.Interval is nil. oracle is optional; when supplied, the
// Socket reacts to Oracle "down" edges by force-closing its current
// transport, per spec §4.D's network-down reaction.
func New[T any](uri string, factory transport.Factory, hooks Hooks[T], baseInterval time.Duration, oracle *reachability.Oracle) *Socket[T] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket[T]{
		uri:          uri,
		factory:      factory,
		hooks:        hooks,
		baseInterval: baseInterval,
		ctx:          ctx,
		cancel:       cancel,
		oracle:       oracle,
	}

	if oracle != nil {
		edges, cancelSub := oracle.Subscribe()
		s.oracleCancel = cancelSub
		go s.watchOracle(edges)
	}

	return s
}

// Connect is idempotent: it returns immediately if already connected, and
// otherwise dials (retrying indefinitely) until connected or the Socket is
// closed / ctx is done.
func (s *Socket[T]) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.IsConnected() {
		return nil
	}
	return s.connectLocked(ctx)
}

// IsConnected reports whether a transport is currently bound and open.
func (s *Socket[T]) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send enqueues item and best-effort triggers a flush. It never blocks on
// the network: if disconnected, item simply waits at the tail of the
// queue.
func (s *Socket[T]) Send(item T) {
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()

	go func() {
		if err := s.Flush(s.ctx); err != nil && s.hooks.OnFlushError != nil {
			s.hooks.OnFlushError(err)
		}
	}()
}

// Flush drains the queue while connected. It is guarded so at most one
// flush runs at a time; a concurrent caller simply waits its turn and
// then observes an already-drained (or already-failed-and-stopped) queue.
func (s *Socket[T]) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		if !s.connected || len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		item := s.queue[0]
		tr := s.tr
		s.mu.Unlock()

		data, err := s.hooks.Serialize(item)
		if err != nil {
			if s.hooks.OnSerializeError != nil {
				s.hooks.OnSerializeError(item, err)
			}
			s.popHead()
			continue
		}

		if err := tr.Send(ctx, data); err != nil {
			// The item stays at the head; the closed/reconnect path will
			// trigger another flush once a connection is live again.
			return err
		}

		s.popHead()
	}
}

func (s *Socket[T]) popHead() {
	s.mu.Lock()
	if len(s.queue) > 0 {
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()
}

// QueueLen reports how many items are waiting to be flushed.
func (s *Socket[T]) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close tears down the current transport, suppresses auto-reconnect, and
// returns only after the close has been fully processed.
func (s *Socket[T]) Close(ctx context.Context, code uint16, reason string) error {
	s.mu.Lock()
	if s.closeRequested {
		s.mu.Unlock()
		return nil
	}
	s.closeRequested = true
	tr := s.tr
	s.mu.Unlock()

	s.cancel()
	if s.oracleCancel != nil {
		s.oracleCancel()
	}

	if s.hooks.ExecuteClose != nil {
		s.hooks.ExecuteClose(ctx, s, code, reason)
		return nil
	}
	s.teardown(tr, code, reason)
	return nil
}

// Teardown closes tr (if non-nil) and blocks until it reports closed.
// Exported-via-hooks entry point for ExecuteClose implementations that
// need to do their own protocol-level shutdown first.
func (s *Socket[T]) Teardown(tr transport.Transport, code uint16, reason string) {
	s.teardown(tr, code, reason)
}

func (s *Socket[T]) teardown(tr transport.Transport, code uint16, reason string) {
	if tr == nil {
		return
	}
	tr.Close(code, reason)
	<-tr.Closed()

	s.mu.Lock()
	if s.tr == tr {
		s.connected = false
	}
	s.mu.Unlock()
}

// CurrentTransport returns the Socket's current transport, if any, and
// whether it is connected. Hooks use this to reach the live transport
// directly (e.g. bayeux's ExecuteClose passes it to Teardown).
func (s *Socket[T]) CurrentTransport() (transport.Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr, s.connected
}

func (s *Socket[T]) connectLocked(ctx context.Context) error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		tr := s.tr
		s.mu.Unlock()
		if tr == nil {
			tr = s.factory()
		}

		if err := tr.Connect(ctx, s.uri); err != nil {
			if s.hooks.OnDialError != nil {
				s.hooks.OnDialError(err)
			}

			if errors.Is(err, transport.ErrDisposed) {
				tr = nil
			}
			s.mu.Lock()
			s.tr = tr
			s.mu.Unlock()

			if !s.sleepInterval() {
				return s.ctx.Err()
			}
			continue
		}

		s.flushMu.Lock()
		s.mu.Lock()
		s.gen++
		gen := s.gen
		s.tr = tr
		s.connected = true
		var held []T
		if s.hooks.ExecuteConnect != nil {
			held, s.queue = s.queue, nil
		}
		s.mu.Unlock()
		s.flushMu.Unlock()

		go s.pumpMessages(tr)
		go s.watchClosed(tr, gen)

		if s.hooks.ExecuteConnect != nil {
			err := s.hooks.ExecuteConnect(ctx, s)
			s.flushMu.Lock()
			s.mu.Lock()
			s.queue = append(held, s.queue...)
			s.mu.Unlock()
			s.flushMu.Unlock()
			if err != nil {
				s.mu.Lock()
				s.connected = false
				s.mu.Unlock()
				tr.Close(transport.CloseProtocolAbnormal, "")

				if !s.sleepInterval() {
					return s.ctx.Err()
				}
				s.mu.Lock()
				s.tr = nil
				s.mu.Unlock()
				continue
			}
		}

		go func() {
			if err := s.Flush(s.ctx); err != nil && s.hooks.OnFlushError != nil {
				s.hooks.OnFlushError(err)
			}
		}()
		return nil
	}
}

func (s *Socket[T]) sleepInterval() bool {
	select {
	case <-time.After(s.currentInterval()):
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Socket[T]) currentInterval() time.Duration {
	if s.hooks.Interval != nil {
		if d := s.hooks.Interval(); d > 0 {
			return d
		}
	}
	return s.baseInterval
}

func (s *Socket[T]) pumpMessages(tr transport.Transport) {
	for data := range tr.Messages() {
		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(data)
		}
	}
}

func (s *Socket[T]) watchClosed(tr transport.Transport, gen uint64) {
	err := <-tr.Closed()

	s.mu.Lock()
	isCurrent := s.gen == gen
	if isCurrent {
		// Drop the closed transport so the next connect attempt
		// constructs a fresh one instead of redialing a finished instance.
		s.connected = false
		s.tr = nil
	}
	closeRequested := s.closeRequested
	s.mu.Unlock()

	if !isCurrent {
		// A stale transport (already replaced by a later reconnect)
		// closed after the fact; it has nothing left to dispose beyond
		// what it already did internally, and must not re-fire Closed.
		return
	}

	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(err)
	}

	if !closeRequested {
		go s.autoReconnect()
	}
}

func (s *Socket[T]) autoReconnect() {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	closeRequested := s.closeRequested
	connected := s.connected
	s.mu.Unlock()
	if closeRequested || connected {
		return
	}

	var err error
	if s.hooks.Reconnect != nil {
		err = s.hooks.Reconnect(s.ctx, s)
	} else {
		err = s.connectLocked(s.ctx)
	}
	if err != nil && s.hooks.OnDialError != nil {
		s.hooks.OnDialError(err)
	}
}

// DefaultReconnect runs the base connect loop again (dial + ExecuteConnect
// hook). Session-layer Reconnect hooks call this to get D's default
// behaviour before layering their own post-connect steps (e.g.
// re-subscription) on top.
func (s *Socket[T]) DefaultReconnect(ctx context.Context) error {
	return s.connectLocked(ctx)
}

func (s *Socket[T]) watchOracle(edges <-chan reachability.Edge) {
	for edge := range edges {
		if edge != reachability.Down {
			continue
		}
		s.mu.Lock()
		tr := s.tr
		s.mu.Unlock()
		if tr != nil {
			tr.Close(transport.CloseProtocolAbnormal, "")
		}
	}
}
