package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aptpub/controlplane/internal/apterr"
)

func TestDoSucceedsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Default, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apterr.New(apterr.CatalogConflict, "serialization failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return apterr.New(apterr.StorageUnavailable, "still unavailable")
	})
	if apterr.KindOf(err) != apterr.StorageUnavailable {
		t.Fatalf("expected the last error to surface, got %v", err)
	}
	if calls != policy.MaxAttempts {
		t.Errorf("fn called %d times, want %d", calls, policy.MaxAttempts)
	}
}

func TestDoDoesNotRetryNonRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Default, func(ctx context.Context) error {
		calls++
		return apterr.New(apterr.NotFound, "no such repository")
	})
	if apterr.KindOf(err) != apterr.NotFound {
		t.Fatalf("expected NotFound to surface immediately, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 for a non-retryable error", calls)
	}
}

func TestDoDoesNotRetryPublishStale(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Default, func(ctx context.Context) error {
		calls++
		return apterr.New(apterr.PublishStale, "working release has changed since publish-begin")
	})
	if apterr.KindOf(err) != apterr.PublishStale {
		t.Fatalf("expected PublishStale to surface immediately, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 — a stale fingerprint can't be fixed by retrying the same request", calls)
	}
}

func TestDoDoesNotRetryPlainErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := Do(context.Background(), Default, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the plain error to surface unchanged, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	calls := 0
	err := Do(ctx, policy, func(ctx context.Context) error {
		calls++
		return apterr.New(apterr.CatalogConflict, "conflict")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 before the cancellation is observed", calls)
	}
}
