package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{
		PerHostRPS:   10,
		PerHostBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	// Next one should wait ~100ms
	start = time.Now()
	if err := l.Wait(ctx, "https://test.com/other"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	l := New(Config{
		PerHostRPS:   1, // 1 RPS = 1s interval
		PerHostBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}

	// Host B should not be blocked by A
	start := time.Now()
	if err := l.Wait(ctx, "https://B.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host B blocked unexpectedly")
	}
	if got := len(l.limiters); got != 2 {
		t.Errorf("expected 2 host buckets, got %d", got)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx, "https://example.com"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("unlimited limiter throttled: %v", time.Since(start))
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	l := New(Config{PerHostRPS: 0.1, PerHostBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.test"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, "https://slow.test")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimiter_SharesBucketAcrossSchemeAndCase(t *testing.T) {
	l := New(Config{PerHostRPS: 100, PerHostBurst: 1})
	ctx := context.Background()

	for _, target := range []string{"https://Shared.test/a", "http://shared.test:8080/b", "shared.test"} {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := l.Wait(waitCtx, target)
		cancel()
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := len(l.limiters); got != 1 {
		t.Errorf("expected 1 host bucket, got %d", got)
	}
	if _, ok := l.limiters["shared.test"]; !ok {
		t.Errorf("expected bucket keyed by shared.test, got %v", l.limiters)
	}
}
