package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const testIP = "192.168.1.1"

func TestNewRegistrationRateLimiter(t *testing.T) {
	rl := NewRegistrationRateLimiter(slog.Default())
	defer rl.Stop()

	if rl.maxPerWindow != DefaultMaxRegistrationsPerHour {
		t.Errorf("maxPerWindow = %d, want %d", rl.maxPerWindow, DefaultMaxRegistrationsPerHour)
	}
	if rl.window != DefaultRegistrationWindow {
		t.Errorf("window = %v, want %v", rl.window, DefaultRegistrationWindow)
	}
	if rl.maxEntries != DefaultMaxRegistrationEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultMaxRegistrationEntries)
	}
}

func TestNewRegistrationRateLimiterWithConfig(t *testing.T) {
	tests := []struct {
		name        string
		window      time.Duration
		maxEntries  int
		wantWindow  time.Duration
		wantEntries int
	}{
		{
			name:        "valid config",
			window:      30 * time.Minute,
			maxEntries:  1000,
			wantWindow:  30 * time.Minute,
			wantEntries: 1000,
		},
		{
			name:        "zero window uses default",
			window:      0,
			maxEntries:  1000,
			wantWindow:  DefaultRegistrationWindow,
			wantEntries: 1000,
		},
		{
			name:        "non-positive maxEntries uses default",
			window:      time.Hour,
			maxEntries:  -1,
			wantWindow:  time.Hour,
			wantEntries: DefaultMaxRegistrationEntries,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRegistrationRateLimiterWithConfig(5, tt.window, tt.maxEntries, slog.Default())
			defer rl.Stop()

			if rl.window != tt.wantWindow {
				t.Errorf("window = %v, want %v", rl.window, tt.wantWindow)
			}
			if rl.maxEntries != tt.wantEntries {
				t.Errorf("maxEntries = %d, want %d", rl.maxEntries, tt.wantEntries)
			}
		})
	}
}

func TestRegistrationRateLimiter_Allow(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(3, time.Hour, 10, slog.Default())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow(testIP) {
			t.Errorf("registration %d should be allowed", i+1)
		}
	}

	if rl.Allow(testIP) {
		t.Error("4th registration should be blocked")
	}

	stats := rl.GetStats()
	if stats.TotalAllowed != 3 {
		t.Errorf("TotalAllowed = %d, want 3", stats.TotalAllowed)
	}
	if stats.TotalBlocked != 1 {
		t.Errorf("TotalBlocked = %d, want 1", stats.TotalBlocked)
	}
}

func TestRegistrationRateLimiter_Allow_Disabled(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(0, time.Hour, 10, slog.Default())
	defer rl.Stop()

	// maxPerWindow of 0 disables the limit entirely.
	for i := 0; i < 50; i++ {
		if !rl.Allow(testIP) {
			t.Fatalf("registration %d should be allowed with limiting disabled", i+1)
		}
	}
}

func TestRegistrationRateLimiter_IndependentIPs(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(2, time.Hour, 10, slog.Default())
	defer rl.Stop()

	ip1 := "192.168.1.1"
	ip2 := "192.168.1.2"

	if !rl.Allow(ip1) || !rl.Allow(ip1) {
		t.Error("first two registrations from ip1 should be allowed")
	}
	if rl.Allow(ip1) {
		t.Error("third registration from ip1 should be blocked")
	}

	if !rl.Allow(ip2) || !rl.Allow(ip2) {
		t.Error("ip2 should have its own independent allowance")
	}
	if rl.Allow(ip2) {
		t.Error("third registration from ip2 should be blocked")
	}
}

func TestRegistrationRateLimiter_WindowExpiry(t *testing.T) {
	window := 100 * time.Millisecond
	rl := NewRegistrationRateLimiterWithConfig(2, window, 10, slog.Default())
	defer rl.Stop()

	if !rl.Allow(testIP) || !rl.Allow(testIP) {
		t.Error("first two registrations should be allowed")
	}
	if rl.Allow(testIP) {
		t.Error("third registration should be blocked")
	}

	time.Sleep(window + 50*time.Millisecond)

	if !rl.Allow(testIP) {
		t.Error("registration should be allowed after the window slides past old attempts")
	}
}

func TestRegistrationRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(5, time.Hour, 3, slog.Default())
	defer rl.Stop()

	for i := 1; i <= 3; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i)
		if !rl.Allow(ip) {
			t.Errorf("IP %s should be allowed", ip)
		}
	}

	// Touch 1 and 2 so 3 becomes the LRU entry.
	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.2")

	if !rl.Allow("192.168.1.4") {
		t.Error("new IP should be allowed")
	}

	stats := rl.GetStats()
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}

	rl.mu.Lock()
	_, hasEvicted := rl.entries["192.168.1.3"]
	rl.mu.Unlock()
	if hasEvicted {
		t.Error("least recently used IP should have been evicted")
	}
}

func TestRegistrationRateLimiter_Cleanup(t *testing.T) {
	window := 100 * time.Millisecond
	rl := NewRegistrationRateLimiterWithConfig(5, window, 10, slog.Default())
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.2")
	rl.Allow("192.168.1.3")

	if stats := rl.GetStats(); stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}

	time.Sleep(2*window + 50*time.Millisecond)

	rl.Cleanup()

	stats := rl.GetStats()
	if stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", stats.CurrentEntries)
	}
	if stats.TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", stats.TotalCleanups)
	}
}

func TestRegistrationRateLimiter_CleanupLoop(t *testing.T) {
	window := 50 * time.Millisecond
	cleanupInterval := 100 * time.Millisecond
	rl := newRegistrationRateLimiter(5, window, 10, cleanupInterval, slog.Default())
	defer rl.Stop()

	rl.Allow("192.168.1.1")

	time.Sleep(cleanupInterval + 2*window + 100*time.Millisecond)

	if stats := rl.GetStats(); stats.CurrentEntries > 0 {
		t.Errorf("cleanup loop should have removed stale entries, still have %d", stats.CurrentEntries)
	}
}

func TestRegistrationRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(100, time.Hour, 1000, slog.Default())
	defer rl.Stop()

	var wg sync.WaitGroup
	numGoroutines := 10
	numRequestsPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numRequestsPerGoroutine; j++ {
				rl.Allow(testIP)
			}
		}()
	}
	wg.Wait()

	stats := rl.GetStats()
	total := stats.TotalAllowed + stats.TotalBlocked
	want := int64(numGoroutines * numRequestsPerGoroutine)
	if total != want {
		t.Errorf("total attempts = %d (allowed=%d blocked=%d), want %d",
			total, stats.TotalAllowed, stats.TotalBlocked, want)
	}
}

func TestRegistrationRateLimiter_Stop_Idempotent(t *testing.T) {
	rl := NewRegistrationRateLimiter(slog.Default())

	rl.Stop()
	rl.Stop()
	rl.Stop()
}

func TestRegistrationRateLimiter_GetStats(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(5, time.Hour, 100, slog.Default())
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.2")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.MaxEntries != 100 {
		t.Errorf("MaxEntries = %d, want 100", stats.MaxEntries)
	}
	if stats.MaxPerWindow != 5 {
		t.Errorf("MaxPerWindow = %d, want 5", stats.MaxPerWindow)
	}
	if stats.Window != time.Hour.String() {
		t.Errorf("Window = %s, want %s", stats.Window, time.Hour.String())
	}
	if stats.TotalAllowed != 3 {
		t.Errorf("TotalAllowed = %d, want 3", stats.TotalAllowed)
	}
	if stats.TotalBlocked != 0 {
		t.Errorf("TotalBlocked = %d, want 0", stats.TotalBlocked)
	}
	if want := 2.0; stats.MemoryPressure != want {
		t.Errorf("MemoryPressure = %f, want %f", stats.MemoryPressure, want)
	}
}
