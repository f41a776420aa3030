package ratelimit

import (
	"testing"
	"time"

	"github.com/coder/quartz"
)

func TestTokenBucket_Allow(t *testing.T) {
	clock := quartz.NewMock(t)
	tb := NewTokenBucket(10, 5, clock) // 10 burst, 5/sec sustained

	for i := 0; i < 10; i++ {
		if !tb.Allow() {
			t.Errorf("request %d should be allowed (burst)", i)
		}
	}
	if tb.Allow() {
		t.Error("11th request should be denied (bucket empty)")
	}

	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Errorf("request after refill %d should be allowed", i)
		}
	}
	if tb.Allow() {
		t.Error("request after 5 refills should be denied")
	}
}

func TestTokenBucket_AllowN(t *testing.T) {
	tb := NewTokenBucket(100, 10, quartz.NewMock(t))

	if !tb.AllowN(50) {
		t.Error("should allow 50 tokens")
	}
	if !tb.AllowN(50) {
		t.Error("should allow another 50 tokens")
	}
	if tb.AllowN(1) {
		t.Error("should deny when bucket is empty")
	}
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	clock := quartz.NewMock(t)
	tb := NewTokenBucket(4, 2, clock)
	tb.AllowN(4)

	clock.Advance(time.Hour)
	if got := tb.Remaining(); got != 4 {
		t.Fatalf("expected refill capped at 4, got %v", got)
	}
}

func TestTokenBucket_WaitTime(t *testing.T) {
	clock := quartz.NewMock(t)
	tb := NewTokenBucket(1, 4, clock)

	if w := tb.WaitTime(); w != 0 {
		t.Fatalf("expected no wait with a token available, got %s", w)
	}
	tb.Allow()
	if w := tb.WaitTime(); w != 250*time.Millisecond {
		t.Fatalf("expected 250ms wait, got %s", w)
	}
	clock.Advance(100 * time.Millisecond)
	if w := tb.WaitTime(); w < 149*time.Millisecond || w > 151*time.Millisecond {
		t.Fatalf("expected ~150ms wait, got %s", w)
	}
}

func TestTokenBucket_Reset(t *testing.T) {
	tb := NewTokenBucket(3, 1, quartz.NewMock(t))
	tb.AllowN(3)
	tb.Reset()
	if got := tb.Remaining(); got != 3 {
		t.Fatalf("expected full bucket after reset, got %v", got)
	}
}
