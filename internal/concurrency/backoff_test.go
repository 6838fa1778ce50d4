package concurrency_test

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/dpoll/internal/concurrency"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	b := concurrency.NewBackoff(8 * time.Nanosecond)
	ctx := context.Background()
	want := []time.Duration{1, 2, 4, 8, 8}
	for i, w := range want {
		if got := b.Current(); got != w {
			t.Fatalf("step %d = %v, want %v", i, got, w)
		}
		if err := b.Pause(ctx, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}
	b.Reset()
	if b.Current() != time.Nanosecond {
		t.Errorf("reset = %v", b.Current())
	}
}

func TestBackoffHonorsDeadline(t *testing.T) {
	b := concurrency.NewBackoff(time.Hour)
	for b.Current() < time.Second {
		b.Pause(context.Background(), time.Now())
	}
	start := time.Now()
	b.Pause(context.Background(), time.Now().Add(5*time.Millisecond))
	if el := time.Since(start); el > time.Second {
		t.Errorf("pause ignored deadline: %v", el)
	}
}

func TestBackoffCanceled(t *testing.T) {
	b := concurrency.NewBackoff(time.Hour)
	for b.Current() < time.Minute {
		b.Pause(context.Background(), time.Now())
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Pause(ctx, time.Time{}); err == nil {
		t.Error("expected context error")
	}
}
