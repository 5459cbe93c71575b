package transport

import (
	"context"
	"errors"
	"testing"
)

func TestFakeSendAndPush(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if err := f.Connect(ctx, "ws://example"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.Send(ctx, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := f.Sent(); len(got) != 1 || string(got[0]) != "hi" {
		t.Fatalf("Sent() = %v", got)
	}

	f.Push([]byte("inbound"))
	select {
	case msg := <-f.Messages():
		if string(msg) != "inbound" {
			t.Fatalf("got %q", msg)
		}
	default:
		t.Fatal("expected a buffered inbound message")
	}
}

func TestFakeFailNextConnectDisposes(t *testing.T) {
	f := NewFake()
	wantErr := errors.New("refused")
	f.FailNextConnect(wantErr)

	ctx := context.Background()
	if err := f.Connect(ctx, "ws://example"); !errors.Is(err, wantErr) {
		t.Fatalf("Connect = %v, want %v", err, wantErr)
	}
	if err := f.Connect(ctx, "ws://example"); err != ErrDisposed {
		t.Fatalf("second Connect = %v, want ErrDisposed", err)
	}
}

func TestFakeOnSendFailure(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.Connect(ctx, "ws://example")

	wantErr := errors.New("pipe broke")
	f.OnSend(func([]byte) error { return wantErr })

	if err := f.Send(ctx, []byte("x")); !errors.Is(err, wantErr) {
		t.Fatalf("Send = %v, want %v", err, wantErr)
	}
	if got := f.Sent(); len(got) != 0 {
		t.Fatalf("Sent() = %v, want empty (write failed)", got)
	}
}

func TestFakeKillDeliversClosed(t *testing.T) {
	f := NewFake()
	wantErr := errors.New("reset")
	f.Kill(wantErr)

	select {
	case err := <-f.Closed():
		if !errors.Is(err, wantErr) {
			t.Fatalf("Closed() = %v, want %v", err, wantErr)
		}
	default:
		t.Fatal("expected Closed() to have a value ready")
	}
}
