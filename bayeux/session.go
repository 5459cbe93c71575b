package bayeux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/quangdang212/bayeux-go/logging"
	"github.com/quangdang212/bayeux-go/metrics"
	"github.com/quangdang212/bayeux-go/reachability"
	"github.com/quangdang212/bayeux-go/socket"
	"github.com/quangdang212/bayeux-go/transport"
)

const defaultBaseInterval = time.Second

type subscriptionEntry struct {
	deliver func(json.RawMessage)
}

// Session is a Bayeux client riding a socket.Socket[Request]: handshake,
// /meta/connect heartbeat, subscription bookkeeping durable across
// reconnects, advice-driven reconnect policy, and id-correlated
// request/response.
type Session struct {
	sock *socket.Socket[Request]
	uri  string

	idCounter uint64

	mu            sync.Mutex
	clientIDValue string
	connID        string
	advice        Advice
	responses     map[string]chan json.RawMessage
	subscriptions map[string]subscriptionEntry

	logger logging.Logger
	metric *metrics.ClientMetrics
}

// NewSession constructs a Session against uri, dialed via factory.
// logger may be nil (defaults to a no-op logger). baseInterval is the
// retry backoff used before the first server advice is known; oracle is
// optional and, when supplied, forces a close on reachability loss. m may
// be nil, in which case no metrics are recorded.
func NewSession(uri string, factory transport.Factory, logger logging.Logger, m *metrics.ClientMetrics, baseInterval time.Duration, oracle *reachability.Oracle) *Session {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if baseInterval <= 0 {
		baseInterval = defaultBaseInterval
	}

	s := &Session{
		uri:           uri,
		advice:        Advice{Reconnect: AdviceRetry, Interval: int(baseInterval / time.Millisecond)},
		responses:     make(map[string]chan json.RawMessage),
		subscriptions: make(map[string]subscriptionEntry),
		logger:        logger.WithField("component", "bayeux"),
		metric:        m,
	}

	s.sock = socket.New[Request](uri, factory, socket.Hooks[Request]{
		Serialize:      s.serialize,
		OnMessage:      s.onMessage,
		OnClosed:       s.onClosed,
		Interval:       s.interval,
		ExecuteConnect: s.executeConnect,
		Reconnect:      s.reconnect,
		ExecuteClose:   s.executeClose,
		OnDialError: func(err error) {
			s.logger.WithField("at", "dial").Warn(err.Error())
			if s.metric != nil {
				s.metric.RecordDialError(s.uri)
			}
		},
	}, baseInterval, oracle)

	return s
}

// Connect dials and handshakes, retrying indefinitely until a live
// session exists or ctx is done.
func (s *Session) Connect(ctx context.Context) error {
	return s.sock.Connect(ctx)
}

// Close disconnects gracefully (racing a DisconnectRequest against the
// current advice interval) and suppresses auto-reconnect.
func (s *Session) Close(ctx context.Context, code uint16, reason string) error {
	return s.sock.Close(ctx, code, reason)
}

// ClientID returns the current server-assigned session id, or "" before
// the first successful handshake.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientIDValue
}

// IsConnected reports whether the underlying socket currently has a live
// transport bound.
func (s *Session) IsConnected() bool {
	return s.sock.IsConnected()
}

// Publish enqueues a DataMessage on an application channel. Best-effort,
// non-blocking: the send is queued if disconnected.
func Publish[T any](s *Session, channel string, data T) {
	req := NewPublishRequest(norm.NFC.String(channel), data)
	s.enqueue(&req)
}

// Subscribe issues a SubscribeRequest for channel and, on success, keeps
// handler registered to receive every subsequent delivery on it, durable
// across reconnects. The handler is registered before the request goes
// out, so a delivery the server sends right after its confirmation is not
// missed; if the request fails, the channel's previous registration (or
// none) is put back. handler runs on the session's dispatch goroutine; a
// panic inside it is recovered and logged so dispatch keeps running.
func Subscribe[T any](ctx context.Context, s *Session, channel string, handler func(T)) (*SubscribeResponse, error) {
	normalized := norm.NFC.String(channel)
	req := NewSubscribeRequest(normalized)

	s.mu.Lock()
	prev, hadPrev := s.subscriptions[normalized]
	s.subscriptions[normalized] = subscriptionEntry{deliver: func(raw json.RawMessage) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("channel", normalized).Error(fmt.Sprintf("subscription handler panicked: %v", r))
			}
		}()
		var dm DataMessage[T]
		if err := json.Unmarshal(raw, &dm); err != nil {
			s.logger.WithField("channel", normalized).Warn("failed to decode delivery: " + err.Error())
			return
		}
		handler(dm.Data)
	}}
	s.mu.Unlock()

	resp, err := SendAsync[SubscribeResponse](ctx, s, &req)
	if err != nil {
		s.mu.Lock()
		if hadPrev {
			s.subscriptions[normalized] = prev
		} else {
			delete(s.subscriptions, normalized)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.reportSubscriptionCount()

	return &resp, nil
}

// Unsubscribe issues an UnsubscribeRequest for channel and removes the
// local registration regardless of the server's response (finally
// semantics, matching the spec's best-effort client-side cleanup).
func Unsubscribe(ctx context.Context, s *Session, channel string) error {
	normalized := norm.NFC.String(channel)
	req := NewUnsubscribeRequest(normalized)
	_, err := SendAsync[UnsubscribeResponse](ctx, s, &req)

	s.mu.Lock()
	delete(s.subscriptions, normalized)
	s.mu.Unlock()
	s.reportSubscriptionCount()

	return err
}

func (s *Session) reportSubscriptionCount() {
	if s.metric == nil {
		return
	}
	s.mu.Lock()
	n := len(s.subscriptions)
	s.mu.Unlock()
	s.metric.SetSubscriptionCount(s.uri, n)
}

// SendAsync sends req (stamping its id) and awaits the matching response,
// decoded as R. A ResponseMessage.Successful == false response is
// surfaced as a *ResponseError built from its error string.
func SendAsync[R any](ctx context.Context, s *Session, req Request) (R, error) {
	var zero R

	id := s.nextID()
	req.SetID(id)

	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.responses[id] = ch
	s.mu.Unlock()

	s.sock.Send(req)
	if s.metric != nil {
		s.metric.SetQueueDepth(s.uri, s.sock.QueueLen())
	}

	select {
	case raw := <-ch:
		var rm ResponseMessage
		if err := json.Unmarshal(raw, &rm); err != nil {
			return zero, fmt.Errorf("bayeux: decode response %s: %w", id, err)
		}
		if !rm.Successful {
			if s.metric != nil {
				s.metric.RecordServerError(s.uri, rm.Channel)
			}
			return zero, newResponseError(rm.Error)
		}
		var resp R
		if err := json.Unmarshal(raw, &resp); err != nil {
			return zero, fmt.Errorf("bayeux: decode response %s: %w", id, err)
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.responses, id)
		s.mu.Unlock()
		return zero, ctx.Err()
	}
}

func (s *Session) enqueue(req Request) {
	req.SetID(s.nextID())
	s.sock.Send(req)
	if s.metric != nil {
		s.metric.SetQueueDepth(s.uri, s.sock.QueueLen())
	}
}

func (s *Session) nextID() string {
	return fmt.Sprintf("%d", atomic.AddUint64(&s.idCounter, 1))
}

func (s *Session) clientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientIDValue
}

// serialize is the socket Hooks.Serialize implementation: it stamps the
// session's current clientId at flush time (not enqueue time), so an
// item queued while disconnected picks up whichever clientId is live by
// the time it is actually written.
func (s *Session) serialize(item Request) ([]byte, error) {
	item.SetClientID(s.clientID())
	return json.Marshal([]Request{item})
}

func (s *Session) interval() time.Duration {
	s.mu.Lock()
	ms := s.advice.Interval
	s.mu.Unlock()
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// executeConnect is the socket Hooks.ExecuteConnect implementation: it
// runs once per successful dial, clears the stale clientId, handshakes,
// and kicks off the heartbeat loop with a fire-and-forget /meta/connect.
func (s *Session) executeConnect(ctx context.Context, sock *socket.Socket[Request]) error {
	connID := uuid.NewString()
	s.mu.Lock()
	s.clientIDValue = ""
	s.connID = connID
	s.mu.Unlock()
	connLogger := s.logger.WithField("conn_id", connID)

	hr := NewHandshakeRequest(nil)
	resp, err := SendAsync[HandshakeResponse](ctx, s, &hr)
	if err != nil {
		if s.metric != nil {
			s.metric.RecordHandshake(s.uri, false)
		}
		connLogger.Warn("handshake failed: " + err.Error())
		return fmt.Errorf("bayeux: handshake: %w", err)
	}
	if s.metric != nil {
		s.metric.RecordHandshake(s.uri, true)
		s.metric.SetConnected(s.uri, true)
	}
	connLogger.WithField("client_id", resp.ClientID).Debug("handshake succeeded")

	s.mu.Lock()
	s.clientIDValue = resp.ClientID
	s.mu.Unlock()

	cr := NewConnectRequest()
	s.enqueue(&cr)
	return nil
}

// reconnect is the socket Hooks.Reconnect implementation: bail if advice
// says not to, otherwise run D's default reconnect (which re-handshakes
// via executeConnect) and re-subscribe every durable channel in
// parallel, since a fresh clientId invalidates server-side subscriptions.
func (s *Session) reconnect(ctx context.Context, sock *socket.Socket[Request]) error {
	s.mu.Lock()
	bail := s.advice.Reconnect == AdviceNone
	s.mu.Unlock()
	if bail {
		return nil
	}
	if s.metric != nil {
		s.metric.RecordReconnect(s.uri)
	}

	if err := sock.DefaultReconnect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	channels := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			req := NewSubscribeRequest(channel)
			if _, err := SendAsync[SubscribeResponse](ctx, s, &req); err != nil {
				s.logger.WithField("channel", channel).Warn("resubscribe failed: " + err.Error())
			}
		}(ch)
	}
	wg.Wait()

	s.reportSubscriptionCount()

	return nil
}

// executeClose is the socket Hooks.ExecuteClose implementation: clears
// subscriptions, races a DisconnectRequest against the current advice
// interval, then tears down the transport.
func (s *Session) executeClose(ctx context.Context, sock *socket.Socket[Request], code uint16, reason string) {
	s.mu.Lock()
	s.subscriptions = make(map[string]subscriptionEntry)
	hadClientID := s.clientIDValue != ""
	s.mu.Unlock()

	if hadClientID {
		raceCtx, cancel := context.WithTimeout(ctx, s.interval())
		dr := NewDisconnectRequest()
		_, _ = SendAsync[DisconnectResponse](raceCtx, s, &dr)
		cancel()
	}

	tr, _ := sock.CurrentTransport()
	sock.Teardown(tr, code, reason)
	if s.metric != nil {
		s.metric.SetConnected(s.uri, false)
	}
}

func (s *Session) onClosed(err error) {
	if s.metric != nil {
		s.metric.SetConnected(s.uri, false)
	}
	s.mu.Lock()
	connID := s.connID
	s.mu.Unlock()
	l := s.logger.WithField("at", "closed").WithField("conn_id", connID)
	if err != nil {
		l.Warn(err.Error())
		return
	}
	l.Debug("connection closed")
}

// onMessage is the socket Hooks.OnMessage implementation: parse the
// inbound frame as a JSON array and dispatch each element in order.
func (s *Session) onMessage(data []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		s.logger.WithField("at", "dispatch").Warn("malformed frame: " + err.Error())
		return
	}
	for _, raw := range elements {
		s.dispatchOne(raw)
	}
}

func (s *Session) dispatchOne(raw json.RawMessage) {
	if s.metric != nil {
		start := time.Now()
		defer func() { s.metric.ObserveDispatch(s.uri, time.Since(start)) }()
	}

	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.WithField("at", "dispatch").Warn("malformed element: " + err.Error())
		return
	}

	if env.Advice != nil {
		s.mu.Lock()
		s.advice = *env.Advice
		s.mu.Unlock()
	}

	if env.ID != "" {
		s.mu.Lock()
		ch, ok := s.responses[env.ID]
		if ok {
			delete(s.responses, env.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- raw
			return
		}
	}

	if env.Channel == ChannelConnect {
		s.handleConnectHeartbeat()
		return
	}

	s.mu.Lock()
	sub, ok := s.subscriptions[env.Channel]
	s.mu.Unlock()
	if ok {
		sub.deliver(raw)
	}
}

// handleConnectHeartbeat re-issues /meta/connect after advice.Interval,
// unless the current advice says otherwise. Each /meta/connect reply
// starts one detached goroutine that sleeps and then enqueues the next
// request, so it never blocks the dispatch loop; if the socket is no
// longer connected when the sleep ends (e.g. after Close), no request is
// sent.
func (s *Session) handleConnectHeartbeat() {
	s.mu.Lock()
	reconnect := s.advice.Reconnect
	s.mu.Unlock()
	interval := s.interval()

	if reconnect != AdviceRetry {
		return
	}

	go func() {
		time.Sleep(interval)
		if !s.sock.IsConnected() {
			return
		}
		cr := NewConnectRequest()
		s.enqueue(&cr)
	}()
}
