package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"testgen_pipeline/internal/config"
	"testgen_pipeline/internal/logger"
	"testgen_pipeline/pkg"

	"github.com/redis/go-redis/v9"
)

// DurableBackend stores the L2 and L3 tiers. Entries are replaceable,
// idempotent artifacts: last writer wins, no merge semantics.
type DurableBackend interface {
	// Get returns the value and its remaining TTL, or ok=false on miss.
	Get(ctx context.Context, tier pkg.CacheTier, key string) (value []byte, remaining time.Duration, ok bool, err error)
	Set(ctx context.Context, tier pkg.CacheTier, key string, value []byte, ttl time.Duration) error
}

// Stats is the running hit/miss/promotion/demotion tally. Counts are
// exposed for observability only and are not part of the correctness
// contract.
type Stats struct {
	L1Hits     int64 `json:"l1_hits"`
	L2Hits     int64 `json:"l2_hits"`
	L3Hits     int64 `json:"l3_hits"`
	Misses     int64 `json:"misses"`
	Promotions int64 `json:"promotions"`
	Demotions  int64 `json:"demotions"`
}

type l1Entry struct {
	entry     pkg.CacheEntry
	expiresAt time.Time
}

func newL1Entry(key string, value []byte, tier pkg.CacheTier, ttl time.Duration) l1Entry {
	now := time.Now()
	return l1Entry{
		entry: pkg.CacheEntry{
			Key:            key,
			Value:          value,
			Tier:           tier,
			TTLSeconds:     int(ttl / time.Second),
			CreatedAt:      now.UTC(),
			LastAccessedAt: now.UTC(),
		},
		expiresAt: now.Add(ttl),
	}
}

// Manager is the tiered cache: a volatile in-process L1 in front of two
// durable tiers with increasing TTLs. Lookup order is L1, L2, L3; a hit
// in a lower tier copies the entry up into L1 (the lower tier copy stays
// until its own TTL expires, so promotion is idempotent).
type Manager struct {
	cfg     config.CacheConfig
	durable DurableBackend

	mu sync.Mutex
	l1 map[string]l1Entry

	l1Hits     atomic.Int64
	l2Hits     atomic.Int64
	l3Hits     atomic.Int64
	misses     atomic.Int64
	promotions atomic.Int64
	demotions  atomic.Int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager creates a tier manager over the given durable backend and
// starts the periodic L1 sweep.
func NewManager(cfg config.CacheConfig, durable DurableBackend) *Manager {
	m := &Manager{
		cfg:       cfg,
		durable:   durable,
		l1:        make(map[string]l1Entry),
		stopSweep: make(chan struct{}),
	}
	if cfg.SweepIntervalSeconds > 0 {
		go m.sweepLoop(time.Duration(cfg.SweepIntervalSeconds) * time.Second)
	}
	return m
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) tierTTL(tier pkg.CacheTier) time.Duration {
	switch tier {
	case pkg.TierL1:
		return time.Duration(m.cfg.L1TTLSeconds) * time.Second
	case pkg.TierL2:
		return time.Duration(m.cfg.L2TTLSeconds) * time.Second
	default:
		return time.Duration(m.cfg.L3TTLSeconds) * time.Second
	}
}

// Get looks the key up through the tiers. Expiry is lazy: a physically
// present entry whose TTL has elapsed is a miss.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, pkg.CacheTier, bool, error) {
	m.mu.Lock()
	if entry, ok := m.l1[key]; ok {
		if time.Now().Before(entry.expiresAt) {
			entry.entry.HitCount++
			entry.entry.LastAccessedAt = time.Now().UTC()
			m.l1[key] = entry
			value := entry.entry.Value
			m.mu.Unlock()
			m.l1Hits.Add(1)
			return value, pkg.TierL1, true, nil
		}
		delete(m.l1, key)
	}
	m.mu.Unlock()

	for _, tier := range []pkg.CacheTier{pkg.TierL2, pkg.TierL3} {
		value, remaining, ok, err := m.durable.Get(ctx, tier, key)
		if err != nil {
			return nil, "", false, fmt.Errorf("cache lookup failed in %s: %w", tier, err)
		}
		if !ok {
			continue
		}
		if tier == pkg.TierL2 {
			m.l2Hits.Add(1)
		} else {
			m.l3Hits.Add(1)
		}
		m.promote(key, value, tier, remaining)
		return value, tier, true, nil
	}

	m.misses.Add(1)
	return nil, "", false, nil
}

// promote copies a lower-tier value up into L1. The L1 copy lives for
// the L1 TTL, capped by the source entry's remaining lifetime. The entry
// remembers the tier it came from.
func (m *Manager) promote(key string, value []byte, source pkg.CacheTier, remaining time.Duration) {
	ttl := m.tierTTL(pkg.TierL1)
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	m.mu.Lock()
	m.setL1Locked(key, newL1Entry(key, value, source, ttl))
	m.mu.Unlock()
	m.promotions.Add(1)

	logger.Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Msg("promoted cache entry to L1")
}

// Put writes the value to the tier named by the caller. Callers choose
// the tier by data volatility class. Small values are opportunistically
// seeded into L1 as well.
func (m *Manager) Put(ctx context.Context, key string, value []byte, tier pkg.CacheTier) error {
	if tier == pkg.TierL1 {
		m.mu.Lock()
		m.setL1Locked(key, newL1Entry(key, value, pkg.TierL1, m.tierTTL(pkg.TierL1)))
		m.mu.Unlock()
		return nil
	}

	if err := m.durable.Set(ctx, tier, key, value, m.tierTTL(tier)); err != nil {
		return fmt.Errorf("cache write failed in %s: %w", tier, err)
	}

	if m.cfg.L1SeedMaxBytes > 0 && len(value) <= m.cfg.L1SeedMaxBytes {
		m.mu.Lock()
		m.setL1Locked(key, newL1Entry(key, value, tier, m.tierTTL(pkg.TierL1)))
		m.mu.Unlock()
	}
	return nil
}

// setL1Locked inserts under the entry cap, demoting the least recently
// accessed entry when L1 is full. A demoted entry's durable copy, when
// one exists, keeps serving until its own TTL.
func (m *Manager) setL1Locked(key string, entry l1Entry) {
	if m.cfg.L1MaxEntries > 0 {
		if _, exists := m.l1[key]; !exists && len(m.l1) >= m.cfg.L1MaxEntries {
			m.demoteColdestLocked()
		}
	}
	m.l1[key] = entry
}

func (m *Manager) demoteColdestLocked() {
	var coldest string
	var oldest time.Time
	for key, entry := range m.l1 {
		if coldest == "" || entry.entry.LastAccessedAt.Before(oldest) {
			coldest = key
			oldest = entry.entry.LastAccessedAt
		}
	}
	if coldest == "" {
		return
	}
	delete(m.l1, coldest)
	m.demotions.Add(1)

	logger.Debug().
		Str("key", coldest).
		Msg("demoted cache entry from L1 under entry cap")
}

// Inspect returns a copy of the L1 entry's metadata for observability.
func (m *Manager) Inspect(key string) (pkg.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.l1[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return pkg.CacheEntry{}, false
	}
	return entry.entry, true
}

// Stats returns a snapshot of the running tally.
func (m *Manager) Stats() Stats {
	return Stats{
		L1Hits:     m.l1Hits.Load(),
		L2Hits:     m.l2Hits.Load(),
		L3Hits:     m.l3Hits.Load(),
		Misses:     m.misses.Load(),
		Promotions: m.promotions.Load(),
		Demotions:  m.demotions.Load(),
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepL1()
		}
	}
}

func (m *Manager) sweepL1() {
	now := time.Now()
	m.mu.Lock()
	for key, entry := range m.l1 {
		if now.After(entry.expiresAt) {
			delete(m.l1, key)
		}
	}
	m.mu.Unlock()
}

// ---------------------------------------------------------------------
// Durable backends

// RedisBackend stores L2/L3 entries under tier-tagged keys.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a Redis durable backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func cacheKey(tier pkg.CacheTier, key string) string {
	return fmt.Sprintf("wf:cache:%s:%s", tier, key)
}

func (b *RedisBackend) Get(ctx context.Context, tier pkg.CacheTier, key string) ([]byte, time.Duration, bool, error) {
	pipe := b.client.Pipeline()
	getCmd := pipe.Get(ctx, cacheKey(tier, key))
	ttlCmd := pipe.TTL(ctx, cacheKey(tier, key))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	value, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return value, ttlCmd.Val(), true, nil
}

func (b *RedisBackend) Set(ctx context.Context, tier pkg.CacheTier, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, cacheKey(tier, key), value, ttl).Err()
}

// MemoryBackend is an in-process durable backend for development and
// tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend creates an in-memory durable backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry)}
}

func (b *MemoryBackend) Get(ctx context.Context, tier pkg.CacheTier, key string) ([]byte, time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[cacheKey(tier, key)]
	if !ok {
		return nil, 0, false, nil
	}
	remaining := time.Until(entry.expiresAt)
	if remaining <= 0 {
		delete(b.entries, cacheKey(tier, key))
		return nil, 0, false, nil
	}
	return entry.value, remaining, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, tier pkg.CacheTier, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[cacheKey(tier, key)] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}
