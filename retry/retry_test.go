package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAutoRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := AutoRetry(context.Background(), nil, func(context.Context) error {
		calls++
		return nil
	}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("AutoRetry: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestAutoRetryRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := AutoRetry(context.Background(), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("AutoRetry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestAutoRetryPropagatesLastError(t *testing.T) {
	calls := 0
	wantErr := errors.New("permanent")
	err := AutoRetry(context.Background(), nil, func(context.Context) error {
		calls++
		return wantErr
	}, 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("error %v does not wrap %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestAutoRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := AutoRetry(ctx, nil, func(context.Context) error {
		return errors.New("should not run after cancel mid-loop")
	}, 5, time.Hour)
	if err == nil {
		t.Fatal("expected the context's cancellation error")
	}
}
