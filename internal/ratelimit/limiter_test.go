package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestPeriodSelection(t *testing.T) {
	cases := []struct {
		rps  float64
		want time.Duration
	}{
		{rps: 10, want: 100 * time.Millisecond},
		{rps: 1, want: time.Second},
		{rps: 0.1, want: 10 * time.Second},
		{rps: 0.4, want: 2 * time.Second},
		{rps: 0.3, want: 3 * time.Second},
	}
	for _, tc := range cases {
		if got := New(tc.rps).Period(); got != tc.want {
			t.Errorf("New(%v).Period() = %v, want %v", tc.rps, got, tc.want)
		}
	}
}

func TestAcquirePacesBackToBackCalls(t *testing.T) {
	l := New(5)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 1750*time.Millisecond {
		t.Fatalf("10 acquisitions at 5 rps finished in %v, want >= ~1.8s", elapsed)
	}
}

func TestAcquireWaitsOutBlock(t *testing.T) {
	l := New(10)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	blockedAt := time.Now()
	l.Block()
	until := l.BlockedUntil()
	if want := blockedAt.Add(150 * time.Millisecond); until.Before(want.Add(-5 * time.Millisecond)) {
		t.Fatalf("blocked until %v, want about %v", until, want)
	}

	if err := l.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if done := time.Now(); done.Before(until) {
		t.Fatalf("acquire completed at %v, before block end %v", done, until)
	}
}

func TestBlockNeverShortensCooldown(t *testing.T) {
	l := New(1)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.Block()
	first := l.BlockedUntil()

	l.now = func() time.Time { return base.Add(-time.Second) }
	l.Block()
	if got := l.BlockedUntil(); !got.Equal(first) {
		t.Fatalf("cooldown moved backwards: %v -> %v", first, got)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(0.1)
	l.Block()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error while blocked")
	}
}
