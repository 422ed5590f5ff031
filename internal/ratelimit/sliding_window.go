// Package ratelimit admits requests per (endpoint, client IP) over a sliding
// window. Windows are process-local unless a Redis backend is attached.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Rule is the budget for one endpoint.
type Rule struct {
	Max    int
	Window time.Duration
}

// DefaultRules guards credential and invitation endpoints plus edit submission.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"/login":               {Max: 10, Window: 5 * time.Minute},
		"/register":            {Max: 3, Window: time.Hour},
		"/invite/set-password": {Max: 5, Window: 15 * time.Minute},
		"/save-pending":        {Max: 60, Window: time.Minute},
	}
}

// Backend records a hit and reports admission.
type Backend interface {
	Hit(ctx context.Context, key string, rule Rule, now time.Time) (bool, time.Duration, error)
}

type Limiter struct {
	rules  map[string]Rule
	memory *memoryBackend
	shared Backend
	now    func() time.Time
}

func New(rules map[string]Rule) *Limiter {
	return &Limiter{
		rules:  rules,
		memory: newMemoryBackend(),
		now:    time.Now,
	}
}

// WithBackend shares windows through b; the in-memory windows remain the
// fallback when b errors.
func (l *Limiter) WithBackend(b Backend) *Limiter {
	l.shared = b
	return l
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Guarded reports whether endpoint has a rule.
func (l *Limiter) Guarded(endpoint string) bool {
	_, ok := l.rules[endpoint]
	return ok
}

// Check admits or denies one request. retryAfter is in whole seconds and is
// only meaningful when allowed is false.
func (l *Limiter) Check(ip, endpoint string) (bool, int) {
	rule, ok := l.rules[endpoint]
	if !ok || rule.Max <= 0 || rule.Window <= 0 {
		return true, 0
	}
	if ip == "" {
		ip = "unknown"
	}
	key := endpoint + "|" + ip
	now := l.now()

	var (
		allowed bool
		wait    time.Duration
	)
	if l.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		allowed, wait, err = l.shared.Hit(ctx, key, rule, now)
		cancel()
		if err != nil {
			slog.Warn("ratelimit: shared backend failed, using local window", "endpoint", endpoint, "error", err)
			allowed, wait, _ = l.memory.Hit(context.Background(), key, rule, now)
		}
	} else {
		allowed, wait, _ = l.memory.Hit(context.Background(), key, rule, now)
	}
	if allowed {
		return true, 0
	}
	return false, retrySeconds(wait)
}

// Sweep drops buckets whose timestamps have all aged out.
func (l *Limiter) Sweep() int {
	return l.memory.sweep(l.rules, l.now())
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				slog.Debug("ratelimit: swept idle buckets", "removed", removed)
			}
		}
	}
}

func retrySeconds(wait time.Duration) int {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

type memoryBackend struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{buckets: make(map[string][]time.Time)}
}

func (m *memoryBackend) Hit(_ context.Context, key string, rule Rule, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamps := prune(m.buckets[key], now.Add(-rule.Window))
	if len(stamps) < rule.Max {
		m.buckets[key] = append(stamps, now)
		return true, 0, nil
	}
	m.buckets[key] = stamps
	return false, stamps[0].Add(rule.Window).Sub(now), nil
}

// sweep prunes each bucket against its own endpoint's window. Buckets whose
// endpoint lost its rule are dropped.
func (m *memoryBackend) sweep(rules map[string]Rule, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, stamps := range m.buckets {
		endpoint, _, _ := strings.Cut(key, "|")
		if rule, ok := rules[endpoint]; ok {
			stamps = prune(stamps, now.Add(-rule.Window))
		} else {
			stamps = nil
		}
		if len(stamps) == 0 {
			delete(m.buckets, key)
			removed++
			continue
		}
		m.buckets[key] = stamps
	}
	return removed
}

func (m *memoryBackend) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// prune keeps timestamps strictly newer than cutoff; input is oldest first.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
