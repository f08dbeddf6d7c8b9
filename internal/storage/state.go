package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"testgen_pipeline/pkg"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// StateStore is the versioned, append-only session state store. Append
// is the only mutation primitive for workflow state; versions are never
// deleted, only expired with the whole session.
type StateStore interface {
	// SaveSession writes session metadata with the store TTL.
	SaveSession(ctx context.Context, session *pkg.Session) error
	// GetSession returns pkg.ErrSessionNotFound when absent or expired.
	GetSession(ctx context.Context, sessionID string) (*pkg.Session, error)
	// SessionExists checks for a live session without loading it.
	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// Append merges update over the latest version's fields and writes a
	// new version. base is the sequence number the writer believes to be
	// latest (-1 for the first append); a mismatch fails with
	// pkg.ErrConcurrentModification.
	Append(ctx context.Context, sessionID string, base int64, update pkg.Fields, producedBy string) (*pkg.StateVersion, error)
	// Latest returns the most recent version.
	Latest(ctx context.Context, sessionID string) (*pkg.StateVersion, error)
	// History returns all versions in sequence order, for replay and
	// debugging.
	History(ctx context.Context, sessionID string) ([]*pkg.StateVersion, error)
}

// ErrNoState means a session has no state versions yet.
var ErrNoState = errors.New("no state versions for session")

// ---------------------------------------------------------------------
// In-memory implementation (development and tests)

type memorySession struct {
	session   *pkg.Session
	versions  []*pkg.StateVersion
	expiresAt time.Time
}

// MemoryStateStore is an in-memory StateStore for development and tests.
type MemoryStateStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	ttl      time.Duration
}

// NewMemoryStateStore creates an in-memory state store.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	return &MemoryStateStore{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
	}
}

func (m *MemoryStateStore) live(sessionID string) (*memorySession, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if time.Now().After(s.expiresAt) {
		delete(m.sessions, sessionID)
		return nil, false
	}
	return s, true
}

func (m *MemoryStateStore) SaveSession(ctx context.Context, session *pkg.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.live(session.ID)
	if ok {
		existing.session = session
		existing.expiresAt = time.Now().Add(m.ttl)
		return nil
	}
	m.sessions[session.ID] = &memorySession{
		session:   session,
		expiresAt: time.Now().Add(m.ttl),
	}
	return nil
}

func (m *MemoryStateStore) GetSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live(sessionID)
	if !ok {
		return nil, pkg.ErrSessionNotFound
	}
	copied := *s.session
	return &copied, nil
}

func (m *MemoryStateStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(sessionID)
	return ok, nil
}

func (m *MemoryStateStore) Append(ctx context.Context, sessionID string, base int64, update pkg.Fields, producedBy string) (*pkg.StateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live(sessionID)
	if !ok {
		return nil, pkg.ErrSessionNotFound
	}

	current := int64(len(s.versions)) - 1
	if base != current {
		return nil, fmt.Errorf("append to %s at base %d, latest is %d: %w",
			sessionID, base, current, pkg.ErrConcurrentModification)
	}

	fields := make(pkg.Fields)
	if current >= 0 {
		fields = s.versions[current].Fields.Clone()
	}
	for k, v := range update {
		fields[k] = v
	}

	version := &pkg.StateVersion{
		SessionID:  sessionID,
		Sequence:   current + 1,
		Fields:     fields,
		ProducedBy: producedBy,
		Timestamp:  time.Now().UTC(),
	}
	s.versions = append(s.versions, version)
	return version, nil
}

func (m *MemoryStateStore) Latest(ctx context.Context, sessionID string) (*pkg.StateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live(sessionID)
	if !ok {
		return nil, pkg.ErrSessionNotFound
	}
	if len(s.versions) == 0 {
		return nil, ErrNoState
	}
	// Callers get their own copy; the stored version stays immutable,
	// matching the isolation the Redis store gets from serialization.
	copied := *s.versions[len(s.versions)-1]
	copied.Fields = copied.Fields.Clone()
	return &copied, nil
}

func (m *MemoryStateStore) History(ctx context.Context, sessionID string) ([]*pkg.StateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.live(sessionID)
	if !ok {
		return nil, pkg.ErrSessionNotFound
	}
	out := make([]*pkg.StateVersion, len(s.versions))
	for i, v := range s.versions {
		copied := *v
		copied.Fields = copied.Fields.Clone()
		out[i] = &copied
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Redis implementation

// RedisStateStore persists sessions and state versions in Redis. All
// keys carry the store TTL so abandoned sessions expire on their own.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func (r *RedisStateStore) SaveSession(ctx context.Context, session *pkg.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	data, err := sonic.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *RedisStateStore) GetSession(ctx context.Context, sessionID string) (*pkg.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, pkg.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var session pkg.Session
	if err := sonic.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisStateStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	count, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return count > 0, nil
}

// Append runs under WATCH on the latest-sequence key. The optimistic
// check happens twice: once against the caller's base, and once by the
// transaction itself, which aborts if another writer moved the pointer.
func (r *RedisStateStore) Append(ctx context.Context, sessionID string, base int64, update pkg.Fields, producedBy string) (*pkg.StateVersion, error) {
	exists, err := r.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, pkg.ErrSessionNotFound
	}

	var version *pkg.StateVersion
	txn := func(tx *redis.Tx) error {
		current := int64(-1)
		raw, err := tx.Get(ctx, latestKey(sessionID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read latest sequence: %w", err)
		}
		if err == nil {
			current, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt latest sequence %q: %w", raw, err)
			}
		}

		if base != current {
			return fmt.Errorf("append to %s at base %d, latest is %d: %w",
				sessionID, base, current, pkg.ErrConcurrentModification)
		}

		fields := make(pkg.Fields)
		if current >= 0 {
			prev, err := r.getVersion(ctx, tx, sessionID, current)
			if err != nil {
				return err
			}
			fields = prev.Fields.Clone()
		}
		for k, v := range update {
			fields[k] = v
		}

		version = &pkg.StateVersion{
			SessionID:  sessionID,
			Sequence:   current + 1,
			Fields:     fields,
			ProducedBy: producedBy,
			Timestamp:  time.Now().UTC(),
		}
		data, err := sonic.Marshal(version)
		if err != nil {
			return fmt.Errorf("failed to marshal state version: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, versionKey(sessionID, version.Sequence), data, r.ttl)
			pipe.Set(ctx, latestKey(sessionID), strconv.FormatInt(version.Sequence, 10), r.ttl)
			return nil
		})
		return err
	}

	err = r.client.Watch(ctx, txn, latestKey(sessionID))
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("append to %s raced another writer: %w",
			sessionID, pkg.ErrConcurrentModification)
	}
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (r *RedisStateStore) getVersion(ctx context.Context, c redis.Cmdable, sessionID string, seq int64) (*pkg.StateVersion, error) {
	data, err := c.Get(ctx, versionKey(sessionID, seq)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to get state version %d: %w", seq, err)
	}
	var version pkg.StateVersion
	if err := sonic.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state version %d: %w", seq, err)
	}
	return &version, nil
}

func (r *RedisStateStore) Latest(ctx context.Context, sessionID string) (*pkg.StateVersion, error) {
	raw, err := r.client.Get(ctx, latestKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			exists, exErr := r.SessionExists(ctx, sessionID)
			if exErr != nil {
				return nil, exErr
			}
			if !exists {
				return nil, pkg.ErrSessionNotFound
			}
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to read latest sequence: %w", err)
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt latest sequence %q: %w", raw, err)
	}
	return r.getVersion(ctx, r.client, sessionID, seq)
}

func (r *RedisStateStore) History(ctx context.Context, sessionID string) ([]*pkg.StateVersion, error) {
	latest, err := r.Latest(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return nil, nil
		}
		return nil, err
	}

	versions := make([]*pkg.StateVersion, 0, latest.Sequence+1)
	for seq := int64(0); seq <= latest.Sequence; seq++ {
		v, err := r.getVersion(ctx, r.client, sessionID, seq)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}
