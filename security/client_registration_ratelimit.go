package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour caps dynamic client registrations per IP.
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window for registration counting.
	DefaultRegistrationWindow = time.Hour

	// DefaultRegistrationCleanupInterval is how often stale entries are purged.
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries bounds the number of tracked IPs.
	DefaultMaxRegistrationEntries = 10000
)

// registrationEntry tracks registration attempts from a single IP
type registrationEntry struct {
	ip         string
	timestamps []time.Time
	lastAccess time.Time
}

// RegistrationRateLimiter enforces a sliding-window limit on dynamic client
// registrations per IP address. Registration is more sensitive than ordinary
// request traffic: each successful call mints a new client credential, so the
// window is long (an hour rather than seconds) and the cap is low.
type RegistrationRateLimiter struct {
	entries         map[string]*list.Element // ip -> list element
	lruList         *list.List               // LRU list of *registrationEntry
	mu              sync.Mutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalAllowed   int64
	totalBlocked   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewRegistrationRateLimiter creates a registration rate limiter with the
// default window and caps.
func NewRegistrationRateLimiter(logger *slog.Logger) *RegistrationRateLimiter {
	return NewRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewRegistrationRateLimiterWithConfig creates a registration rate limiter
// with custom limits. maxPerWindow of 0 disables limiting entirely.
func NewRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *RegistrationRateLimiter {
	return newRegistrationRateLimiter(maxPerWindow, window, maxEntries, DefaultRegistrationCleanupInterval, logger)
}

// newRegistrationRateLimiter allows tests to shorten the cleanup interval.
func newRegistrationRateLimiter(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *RegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxRegistrationEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultRegistrationCleanupInterval
	}

	rl := &RegistrationRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a registration from the given IP is permitted, and
// records the attempt if so. Attempts outside the sliding window no longer
// count against the limit.
func (rl *RegistrationRateLimiter) Allow(ip string) bool {
	if rl.maxPerWindow <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, exists := rl.entries[ip]
	if !exists {
		if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry := &registrationEntry{
			ip:         ip,
			timestamps: []time.Time{now},
			lastAccess: now,
		}
		rl.entries[ip] = rl.lruList.PushFront(entry)
		rl.totalAllowed++
		return true
	}

	rl.lruList.MoveToFront(elem)
	entry := elem.Value.(*registrationEntry)
	entry.lastAccess = now

	// Drop timestamps that have aged out of the window, in place.
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= rl.maxPerWindow {
		rl.totalBlocked++
		return false
	}

	entry.timestamps = append(entry.timestamps, now)
	rl.totalAllowed++
	return true
}

// evictLRU removes the least recently used entry.
// Must be called with the mutex locked.
func (rl *RegistrationRateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Registration rate limiter LRU eviction",
		"ip", entry.ip,
		"total_evictions", rl.totalEvictions)
}

// cleanupLoop periodically purges entries with no recent attempts
func (rl *RegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries whose attempts have all aged out of the window.
func (rl *RegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrationEntry)

		stale := true
		for _, ts := range entry.timestamps {
			if ts.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(rl.entries, entry.ip)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Registration rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (rl *RegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// RegistrationStats holds registration rate limiter statistics
type RegistrationStats struct {
	CurrentEntries int
	MaxEntries     int
	MaxPerWindow   int
	Window         string
	TotalAllowed   int64
	TotalBlocked   int64
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current statistics for monitoring.
func (rl *RegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := RegistrationStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window.String(),
		TotalAllowed:   rl.totalAllowed,
		TotalBlocked:   rl.totalBlocked,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
