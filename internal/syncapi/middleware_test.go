package syncapi

import (
	"testing"
	"time"
)

func TestRateLimiterNilWhenDisabled(t *testing.T) {
	if newRateLimiter(0, time.Second) != nil {
		t.Fatal("expected nil limiter when max <= 0")
	}
}

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	now := time.Now()
	if !rl.allow("u1", now) || !rl.allow("u1", now) {
		t.Fatal("expected first two requests to be allowed")
	}
	if rl.allow("u1", now) {
		t.Fatal("expected third request in window to be denied")
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	now := time.Now()
	if !rl.allow("u1", now) {
		t.Fatal("expected first request to be allowed")
	}
	if rl.allow("u1", now.Add(30*time.Second)) {
		t.Fatal("expected request within window to be denied")
	}
	if !rl.allow("u1", now.Add(90*time.Second)) {
		t.Fatal("expected request after window to be allowed")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	now := time.Now()
	if !rl.allow("u1", now) || !rl.allow("u2", now) {
		t.Fatal("expected distinct keys to have independent budgets")
	}
}
