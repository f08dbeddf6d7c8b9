package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"testgen_pipeline/pkg"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RecordStore is the append-only log of node invocation attempts, keyed
// by (session, node, attempt). Records feed debugging, cache statistics
// and retry accounting; they are never mutated after creation.
type RecordStore interface {
	AddRecord(ctx context.Context, record *pkg.NodeExecutionRecord) error
	Records(ctx context.Context, sessionID string) ([]*pkg.NodeExecutionRecord, error)
}

// MemoryRecordStore is an in-memory RecordStore for development and tests.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string][]*pkg.NodeExecutionRecord
}

// NewMemoryRecordStore creates an in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string][]*pkg.NodeExecutionRecord)}
}

func (m *MemoryRecordStore) AddRecord(ctx context.Context, record *pkg.NodeExecutionRecord) error {
	if record.SessionID == "" || record.NodeName == "" {
		return fmt.Errorf("record requires session and node name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.SessionID] = append(m.records[record.SessionID], record)
	return nil
}

func (m *MemoryRecordStore) Records(ctx context.Context, sessionID string) ([]*pkg.NodeExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*pkg.NodeExecutionRecord, len(m.records[sessionID]))
	copy(out, m.records[sessionID])
	return out, nil
}

// RedisRecordStore appends records to a per-session list that expires
// with the session.
type RedisRecordStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRecordStore creates a Redis-backed record store.
func NewRedisRecordStore(client *redis.Client, ttl time.Duration) *RedisRecordStore {
	return &RedisRecordStore{client: client, ttl: ttl}
}

func (r *RedisRecordStore) AddRecord(ctx context.Context, record *pkg.NodeExecutionRecord) error {
	if record.SessionID == "" || record.NodeName == "" {
		return fmt.Errorf("record requires session and node name")
	}
	data, err := sonic.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	key := recordsKey(record.SessionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return nil
}

func (r *RedisRecordStore) Records(ctx context.Context, sessionID string) ([]*pkg.NodeExecutionRecord, error) {
	items, err := r.client.LRange(ctx, recordsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read execution records: %w", err)
	}
	records := make([]*pkg.NodeExecutionRecord, 0, len(items))
	for _, item := range items {
		var record pkg.NodeExecutionRecord
		if err := sonic.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution record: %w", err)
		}
		records = append(records, &record)
	}
	return records, nil
}
