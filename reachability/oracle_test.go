package reachability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAwaitUpResolvesImmediatelyWhenUp(t *testing.T) {
	var up atomic.Bool
	up.Store(true)

	o := New(Config{
		Check:        func(context.Context) bool { return up.Load() },
		PollInterval: 10 * time.Millisecond,
	})
	defer o.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// give the poll loop a chance to observe "up" at least once
	deadline := time.After(500 * time.Millisecond)
	for !o.IsUp() {
		select {
		case <-deadline:
			t.Fatal("oracle never observed up")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := o.AwaitUp(ctx); err != nil {
		t.Fatalf("AwaitUp: %v", err)
	}
}

func TestAwaitUpBlocksUntilEdge(t *testing.T) {
	var up atomic.Bool
	o := New(Config{
		Check:        func(context.Context) bool { return up.Load() },
		PollInterval: 5 * time.Millisecond,
	})
	defer o.Stop()

	done := make(chan error, 1)
	go func() {
		done <- o.AwaitUp(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("AwaitUp returned before network came up")
	case <-time.After(50 * time.Millisecond):
	}

	up.Store(true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitUp: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitUp never resolved after up edge")
	}
}

func TestAwaitUpRespectsContext(t *testing.T) {
	o := New(Config{
		Check:        func(context.Context) bool { return false },
		PollInterval: 5 * time.Millisecond,
	})
	defer o.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := o.AwaitUp(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSubscribeDeduplicatesConsecutiveEdges(t *testing.T) {
	var up atomic.Bool
	o := New(Config{
		Check:        func(context.Context) bool { return up.Load() },
		PollInterval: 3 * time.Millisecond,
	})
	defer o.Stop()

	edges, cancel := o.Subscribe()
	defer cancel()

	up.Store(true)
	select {
	case e := <-edges:
		if e != Up {
			t.Fatalf("got %v, want Up", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no up edge observed")
	}

	// staying up should not emit another Up edge
	select {
	case e := <-edges:
		t.Fatalf("unexpected second edge %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	up.Store(false)
	select {
	case e := <-edges:
		if e != Down {
			t.Fatalf("got %v, want Down", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no down edge observed")
	}
}
