package incident

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Occurrence reports how many times a dedupe key has been seen in the
// current window. FirstSeen is when the window opened, so repeats keep
// the original first-seen time.
type Occurrence struct {
	Count     int
	FirstSeen time.Time
	ResetAt   time.Time
}

// WindowStore counts occurrences of a dedupe key inside a sliding
// window. Count==1 means a fresh window: the caller emits one alert.
type WindowStore interface {
	Observe(ctx context.Context, key string) (Occurrence, error)
}

// MemoryWindow is the in-process fallback store. Entries expire lazily
// on the next lookup past the window.
type MemoryWindow struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]memEntry
	now    func() time.Time
}

type memEntry struct {
	count     int
	firstSeen time.Time
	resetAt   time.Time
}

func NewMemoryWindow(window time.Duration) *MemoryWindow {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &MemoryWindow{
		window: window,
		items:  map[string]memEntry{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryWindow) Observe(_ context.Context, key string) (Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictLocked(now)
	e, ok := m.items[key]
	if !ok || now.After(e.resetAt) {
		e = memEntry{count: 0, firstSeen: now, resetAt: now.Add(m.window)}
	}
	e.count++
	m.items[key] = e
	return Occurrence{Count: e.count, FirstSeen: e.firstSeen, ResetAt: e.resetAt}, nil
}

func (m *MemoryWindow) evictLocked(now time.Time) {
	for k, v := range m.items {
		if now.After(v.resetAt) {
			delete(m.items, k)
		}
	}
}

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisWindow is the shared store; window TTL is set on first
// occurrence so the whole gateway fleet dedupes consistently. Redis
// errors fall back to the in-memory store rather than dropping alerts.
type RedisWindow struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *MemoryWindow
}

func NewRedisWindow(client *redis.Client, window time.Duration) *RedisWindow {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &RedisWindow{
		Client:   client,
		Window:   window,
		Prefix:   "incident:",
		Fallback: NewMemoryWindow(window),
	}
}

func (w *RedisWindow) Observe(ctx context.Context, key string) (Occurrence, error) {
	if w.Client == nil {
		return w.Fallback.Observe(ctx, key)
	}
	res, err := windowScript.Run(ctx, w.Client, []string{w.Prefix + key}, int(w.Window.Milliseconds())).Result()
	if err != nil {
		return w.Fallback.Observe(ctx, key)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return w.Fallback.Observe(ctx, key)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = int64(w.Window.Milliseconds())
	}
	// The window opened when the remaining TTL was still the full
	// window, so first-seen is now minus the elapsed share.
	now := time.Now().UTC()
	elapsed := w.Window - time.Duration(ttlMs)*time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	return Occurrence{
		Count:     int(count),
		FirstSeen: now.Add(-elapsed),
		ResetAt:   now.Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}
