package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.rate != 10 {
		t.Errorf("rate = %d, want 10", rl.rate)
	}
	if rl.burst != 20 {
		t.Errorf("burst = %d, want 20", rl.burst)
	}
	if rl.maxEntries != 10000 {
		t.Errorf("maxEntries = %d, want 10000", rl.maxEntries)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestNewRateLimiterWithConfig_NegativeMaxEntries(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 20, -1, slog.Default())
	defer rl.Stop()

	if rl.maxEntries != 10000 {
		t.Errorf("maxEntries = %d, want default 10000", rl.maxEntries)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	identifier := "203.0.113.1"

	for i := 0; i < 5; i++ {
		if !rl.Allow(identifier) {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}

	if rl.Allow(identifier) {
		t.Error("Allow() should return false once the burst is exhausted")
	}
}

func TestRateLimiter_Allow_MultipleIdentifiers(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	id1 := "203.0.113.1"
	id2 := "203.0.113.2"

	for i := 0; i < 2; i++ {
		if !rl.Allow(id1) {
			t.Errorf("Allow(id1) request %d should be allowed", i+1)
		}
	}

	if rl.Allow(id1) {
		t.Error("Allow(id1) should return false when rate limited")
	}

	if !rl.Allow(id2) {
		t.Error("Allow(id2) should be allowed (separate bucket)")
	}
}

func TestRateLimiter_Allow_RefillOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2, slog.Default())
	defer rl.Stop()

	identifier := "203.0.113.1"

	for i := 0; i < 2; i++ {
		if !rl.Allow(identifier) {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}

	if rl.Allow(identifier) {
		t.Error("Allow() should return false when rate limited")
	}

	// 2 req/s refills one token in 500ms.
	time.Sleep(550 * time.Millisecond)

	if !rl.Allow(identifier) {
		t.Error("Allow() should be allowed after token refill")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 3, slog.Default())
	defer rl.Stop()

	rl.Allow("ip-1")
	rl.Allow("ip-2")
	rl.Allow("ip-3")

	// Adding a fourth identifier evicts the least recently used (ip-1).
	rl.Allow("ip-4")

	rl.mu.RLock()
	_, hasEvicted := rl.limiters["ip-1"]
	count := len(rl.limiters)
	rl.mu.RUnlock()

	if hasEvicted {
		t.Error("least recently used entry should have been evicted")
	}
	if count != 3 {
		t.Errorf("limiter count = %d, want 3", count)
	}

	stats := rl.GetStats()
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
}

func TestRateLimiter_LRUEviction_TouchedEntrySurvives(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 3, slog.Default())
	defer rl.Stop()

	rl.Allow("ip-1")
	rl.Allow("ip-2")
	rl.Allow("ip-3")

	// Touch ip-1 so ip-2 becomes the LRU entry.
	rl.Allow("ip-1")
	rl.Allow("ip-4")

	rl.mu.RLock()
	_, hasTouched := rl.limiters["ip-1"]
	_, hasLRU := rl.limiters["ip-2"]
	rl.mu.RUnlock()

	if !hasTouched {
		t.Error("recently touched entry should survive eviction")
	}
	if hasLRU {
		t.Error("least recently used entry should have been evicted")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())
	defer rl.Stop()

	rl.Allow("ip-1")
	rl.Allow("ip-2")
	rl.Allow("ip-3")

	rl.mu.Lock()
	for _, elem := range rl.limiters {
		elem.Value.(*rateLimiterEntry).lastAccess = time.Now().Add(-time.Hour)
	}
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	finalCount := len(rl.limiters)
	listLen := rl.lruList.Len()
	rl.mu.RUnlock()

	if finalCount != 0 {
		t.Errorf("limiter count after cleanup = %d, want 0", finalCount)
	}
	if listLen != 0 {
		t.Errorf("LRU list length after cleanup = %d, want 0", listLen)
	}
}

func TestRateLimiter_Cleanup_KeepsActive(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())
	defer rl.Stop()

	rl.Allow("idle-ip")
	rl.Allow("active-ip")

	rl.mu.Lock()
	rl.limiters["idle-ip"].Value.(*rateLimiterEntry).lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	finalCount := len(rl.limiters)
	_, hasActive := rl.limiters["active-ip"]
	rl.mu.RUnlock()

	if finalCount != 1 {
		t.Errorf("limiter count after cleanup = %d, want 1", finalCount)
	}
	if !hasActive {
		t.Error("active limiter should not be cleaned up")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, 100, slog.Default())
	defer rl.Stop()

	const numGoroutines = 10

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			identifier := fmt.Sprintf("ip-%d", id)
			for j := 0; j < 10; j++ {
				rl.Allow(identifier)
			}
		}(i)
	}
	wg.Wait()

	stats := rl.GetStats()
	if stats.CurrentEntries != numGoroutines {
		t.Errorf("CurrentEntries = %d, want %d", stats.CurrentEntries, numGoroutines)
	}
}

func TestRateLimiter_Stop_Idempotent(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())

	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_GetStats(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 4, slog.Default())
	defer rl.Stop()

	rl.Allow("ip-1")
	rl.Allow("ip-2")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.MaxEntries != 4 {
		t.Errorf("MaxEntries = %d, want 4", stats.MaxEntries)
	}
	if stats.MemoryPressure != 50.0 {
		t.Errorf("MemoryPressure = %v, want 50.0", stats.MemoryPressure)
	}
}
