package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitMaxEntries bounds the number of tracked identifiers
	DefaultRateLimitMaxEntries = 10000

	// DefaultRateLimitIdleTimeout is how long an identifier may stay idle before cleanup
	DefaultRateLimitIdleTimeout = 30 * time.Minute

	// DefaultRateLimitCleanupInterval is how often idle identifiers are swept
	DefaultRateLimitCleanupInterval = 5 * time.Minute
)

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate per identifier
	RequestsPerSecond float64

	// Burst is the bucket size per identifier
	Burst int

	// MaxEntries bounds tracked identifiers; the least recently used is evicted.
	// Zero uses DefaultRateLimitMaxEntries, negative means unlimited.
	MaxEntries int

	// IdleTimeout removes identifiers idle for longer than this (default 30m)
	IdleTimeout time.Duration

	// CleanupInterval controls the sweep frequency (default 5m)
	CleanupInterval time.Duration

	Logger *slog.Logger
}

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token bucket rate limiting with LRU eviction.
// The HTTP adapter keys it by client IP; it is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*list.Element // identifier -> element holding *rateLimiterEntry
	lruList  *list.List

	limit      rate.Limit
	burst      int
	maxEntries int
	idle       time.Duration
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine. Call Stop when done.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitCleanupInterval
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		limit:       rate.Limit(cfg.RequestsPerSecond),
		burst:       cfg.Burst,
		maxEntries:  cfg.MaxEntries,
		idle:        cfg.IdleTimeout,
		logger:      cfg.Logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop(cfg.CleanupInterval)

	return rl
}

// Allow reports whether a request from identifier is allowed now
func (rl *RateLimiter) Allow(identifier string) bool {
	return rl.AllowAt(identifier, time.Now())
}

// AllowAt reports whether a request from identifier is allowed at the given time
func (rl *RateLimiter) AllowAt(identifier string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictLRU removes the least recently used entry. Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.CleanupAt(now)
		case <-rl.stopCleanup:
			return
		}
	}
}

// CleanupAt removes identifiers that have been idle for longer than the idle timeout at now.
// The LRU list is ordered by access, so the sweep stops at the first active entry.
func (rl *RateLimiter) CleanupAt(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.idle {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
	return removed
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int // 0 = unlimited
	TotalEvictions int64
	TotalCleanups  int64
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
}
