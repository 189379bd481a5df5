package handlers

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ip := "127.0.0.1"

	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed initially")
	}

	for i := 0; i < maxAttempts-1; i++ {
		limiter.RecordFailure(ip)
	}
	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed after %d failures", maxAttempts-1)
	}

	limiter.RecordFailure(ip)
	if limiter.Allow(ip) {
		t.Errorf("Expected IP to be blocked after %d failures", maxAttempts)
	}

	now = now.Add(blockDuration)
	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed once the block has passed")
	}

	for i := 0; i < maxAttempts; i++ {
		limiter.RecordFailure(ip)
	}
	limiter.Reset(ip)
	if !limiter.Allow(ip) {
		t.Errorf("Expected IP to be allowed after reset")
	}
}

func TestRateLimiterWindowRestarts(t *testing.T) {
	limiter := newRateLimiter()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ip := "10.1.1.1"

	for i := 0; i < maxAttempts-1; i++ {
		limiter.RecordFailure(ip)
	}
	now = now.Add(windowDuration + time.Second)
	limiter.RecordFailure(ip)

	if !limiter.Allow(ip) {
		t.Errorf("Expected failures from an old window not to count")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	limiter := newRateLimiter()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.RecordFailure("old")
	now = now.Add(windowDuration + time.Minute)
	limiter.prune(now)

	if _, ok := limiter.attempts["old"]; ok {
		t.Errorf("Expected stale attempts to be pruned")
	}
}

func TestRateLimiterParallel(t *testing.T) {
	limiter := newRateLimiter()
	ip := "10.0.0.1"

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter.RecordFailure(ip)
		}()
	}
	wg.Wait()

	if limiter.Allow(ip) {
		t.Errorf("Expected IP to be blocked after concurrent failures")
	}
}
