package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quangdang212/bayeux-go/transport"
)

func serializeString(item string) ([]byte, error) {
	return json.Marshal(item)
}

func newTestSocket(t *testing.T, fakes []*transport.Fake, onMessage func([]byte), onClosed func(error)) *Socket[string] {
	t.Helper()
	i := 0
	factory := func() transport.Transport {
		if i >= len(fakes) {
			t.Fatalf("factory called more times than fakes provided (%d)", len(fakes))
		}
		f := fakes[i]
		i++
		return f
	}

	s := New[string]("ws://unit-test", factory, Hooks[string]{
		Serialize: serializeString,
		OnMessage: onMessage,
		OnClosed:  onClosed,
	}, 20*time.Millisecond, nil)
	t.Cleanup(func() {
		s.Close(context.Background(), transport.CloseNormal, "test done")
	})
	return s
}

func TestConnectIsIdempotentAndSerializes(t *testing.T) {
	f := transport.NewFake()
	s := newTestSocket(t, []*transport.Fake{f}, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if !s.IsConnected() {
		t.Fatal("expected connected")
	}
}

func TestSendQueuesWhileDisconnectedAndFlushesInFIFOOrder(t *testing.T) {
	f := transport.NewFake()
	f.FailNextConnect(errors.New("offline"))
	s := newTestSocket(t, []*transport.Fake{f, transport.NewFake()}, nil, nil)

	s.Send("a")
	s.Send("b")
	s.Send("c")

	if got := s.QueueLen(); got != 3 {
		t.Fatalf("QueueLen = %d, want 3 before connect", got)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.QueueLen() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for queue to drain")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The second fake is the one that actually connected, per ErrDisposed
	// forcing a fresh transport from the factory.
	// We can't get at it directly here without the factory returning the
	// concrete instance; fetch it from the socket's current transport.
	trAny, connected := s.CurrentTransport()
	if !connected {
		t.Fatal("expected connected after flush")
	}
	live, ok := trAny.(*transport.Fake)
	if !ok {
		t.Fatalf("unexpected transport type %T", trAny)
	}

	sent := live.Sent()
	if len(sent) != 3 {
		t.Fatalf("got %d sent frames, want 3", len(sent))
	}
	want := []string{`"a"`, `"b"`, `"c"`}
	for i, w := range want {
		if string(sent[i]) != w {
			t.Fatalf("sent[%d] = %s, want %s (FIFO order violated)", i, sent[i], w)
		}
	}
}

func TestMessagesAreDeliveredInOrder(t *testing.T) {
	f := transport.NewFake()
	var mu sync.Mutex
	var got []string

	s := newTestSocket(t, []*transport.Fake{f}, func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.Push([]byte("one"))
	f.Push([]byte("two"))
	f.Push([]byte("three"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for messages")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("got[%d] = %s, want %s", i, got[i], w)
		}
	}
}

func TestUnrequestedCloseTriggersAutoReconnect(t *testing.T) {
	f1 := transport.NewFake()
	f2 := transport.NewFake()

	var closedCount int
	var mu sync.Mutex
	s := newTestSocket(t, []*transport.Fake{f1, f2}, nil, func(error) {
		mu.Lock()
		closedCount++
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f1.Kill(errors.New("reset by peer"))

	deadline := time.After(2 * time.Second)
	for !s.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for auto-reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if closedCount != 1 {
		t.Fatalf("closedCount = %d, want 1", closedCount)
	}
}

func TestExplicitCloseSuppressesAutoReconnect(t *testing.T) {
	f := transport.NewFake()
	s := newTestSocket(t, []*transport.Fake{f}, nil, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.Close(context.Background(), transport.CloseNormal, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if s.IsConnected() {
		t.Fatal("expected disconnected after Close")
	}

	time.Sleep(50 * time.Millisecond)
	if s.IsConnected() {
		t.Fatal("Close must not be followed by auto-reconnect")
	}
}

func TestStaleTransportCloseDoesNotFireOnClosedTwice(t *testing.T) {
	f1 := transport.NewFake()
	f2 := transport.NewFake()

	var closedCount int
	var mu sync.Mutex
	s := newTestSocket(t, []*transport.Fake{f1, f2}, nil, func(error) {
		mu.Lock()
		closedCount++
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f1.Kill(errors.New("reset"))

	deadline := time.After(2 * time.Second)
	for !s.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// f1 is stale now; killing it again must be a no-op (already
	// finished once, and even if it weren't, gen no longer matches).
	f1.Kill(errors.New("late duplicate signal"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if closedCount != 1 {
		t.Fatalf("closedCount = %d, want 1 (stale transport must not re-fire OnClosed)", closedCount)
	}
}

func TestExecuteConnectFailureRetriesWithFreshTransport(t *testing.T) {
	f1 := transport.NewFake()
	f2 := transport.NewFake()

	attempt := 0
	i := 0
	fakes := []*transport.Fake{f1, f2}
	factory := func() transport.Transport {
		f := fakes[i]
		i++
		return f
	}

	s := New[string]("ws://unit-test", factory, Hooks[string]{
		Serialize: serializeString,
		ExecuteConnect: func(ctx context.Context, s *Socket[string]) error {
			attempt++
			if attempt == 1 {
				return errors.New("handshake rejected")
			}
			return nil
		},
	}, 10*time.Millisecond, nil)
	t.Cleanup(func() { s.Close(context.Background(), transport.CloseNormal, "") })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("ExecuteConnect called %d times, want 2", attempt)
	}
	if !s.IsConnected() {
		t.Fatal("expected connected after successful retry")
	}
}
