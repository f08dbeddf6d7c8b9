package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"testgen_pipeline/internal/cache"
	"testgen_pipeline/internal/config"
	"testgen_pipeline/internal/logger"
	"testgen_pipeline/internal/storage"
	"testgen_pipeline/pkg"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
)

// TaskFunc is the opaque task function contract: given a snapshot of the
// state fields, return a partial update or a categorized failure. Task
// content (prompts, scoring, parsing) lives entirely behind this type.
type TaskFunc func(ctx context.Context, state pkg.Fields) (pkg.Fields, error)

// Invocation describes one node call as resolved by the executor.
type Invocation struct {
	SessionID string
	Node      string
	// Reads are the field names the node declared as inputs. All must
	// be present in Input; the cache key is derived from the projection
	// of Input onto Reads.
	Reads []string
	Input pkg.Fields
	// Tier is the cache tier hint chosen by data volatility class.
	Tier    pkg.CacheTier
	Timeout time.Duration
	// Cacheable is false for nodes whose output must be produced fresh
	// on every call (the evaluation node).
	Cacheable bool
	// Variants is the ordered fallback chain; later entries are tried
	// when an earlier one fails. Provider identity never leaves the
	// invoker.
	Variants []TaskFunc
}

// Invoker executes task functions with caching, local transient retries,
// per-node timeouts and execution record emission.
type Invoker struct {
	cfg     config.InvokerConfig
	cache   *cache.Manager
	records storage.RecordStore

	mu       sync.Mutex
	attempts map[string]int // (session:node) -> invocation attempts so far
}

// New creates a task invoker.
func New(cfg config.InvokerConfig, cacheManager *cache.Manager, records storage.RecordStore) *Invoker {
	return &Invoker{
		cfg:      cfg,
		cache:    cacheManager,
		records:  records,
		attempts: make(map[string]int),
	}
}

func (inv *Invoker) nextAttempt(sessionID, node string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	key := sessionID + ":" + node
	inv.attempts[key]++
	return inv.attempts[key]
}

// Forget releases the attempt counters of a finished session. The
// executor calls this on run teardown; records in the store are not
// affected.
func (inv *Invoker) Forget(sessionID string) {
	prefix := sessionID + ":"
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for key := range inv.attempts {
		if strings.HasPrefix(key, prefix) {
			delete(inv.attempts, key)
		}
	}
}

func (inv *Invoker) record(ctx context.Context, call Invocation, attempt int, status pkg.ExecStatus, duration time.Duration, errKind, cacheKey string) {
	rec := &pkg.NodeExecutionRecord{
		SessionID: call.SessionID,
		NodeName:  call.Node,
		Attempt:   attempt,
		Status:    status,
		Duration:  duration,
		ErrorKind: errKind,
		CacheKey:  cacheKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := inv.records.AddRecord(ctx, rec); err != nil {
		logger.Warn().
			Str("session_id", call.SessionID).
			Str("node", call.Node).
			Err(err).
			Msg("failed to persist execution record")
	}
}

// Invoke runs one node. Lookup order: required-field check, cache check,
// then the fallback chain with transient retries per variant. The
// returned fields are the node's partial update only.
func (inv *Invoker) Invoke(ctx context.Context, call Invocation) (pkg.Fields, error) {
	if len(call.Variants) == 0 {
		return nil, fmt.Errorf("node %s has no task function bound", call.Node)
	}

	projection := make(pkg.Fields, len(call.Reads))
	for _, field := range call.Reads {
		value, ok := call.Input[field]
		if !ok {
			return nil, &pkg.MissingFieldError{Node: call.Node, Field: field}
		}
		projection[field] = value
	}

	var cacheKey string
	if call.Cacheable {
		key, err := cache.DeriveKey(call.Node, map[string]any(projection))
		if err != nil {
			return nil, err
		}
		cacheKey = key

		cached, tier, ok, err := inv.cache.Get(ctx, cacheKey)
		if err != nil {
			logger.Warn().
				Str("node", call.Node).
				Err(err).
				Msg("cache lookup failed, executing task")
		}
		if ok {
			var update pkg.Fields
			if err := sonic.Unmarshal(cached, &update); err == nil {
				attempt := inv.nextAttempt(call.SessionID, call.Node)
				inv.record(ctx, call, attempt, pkg.ExecCacheHit, 0, "", cacheKey)
				logger.Debug().
					Str("session_id", call.SessionID).
					Str("node", call.Node).
					Str("tier", string(tier)).
					Msg("cache hit, skipping task call")
				return update, nil
			}
			logger.Warn().
				Str("node", call.Node).
				Str("key", cacheKey).
				Msg("corrupt cache entry, executing task")
		}
	}

	var lastErr error
	for i, task := range call.Variants {
		update, err := inv.callWithRetry(ctx, call, task, cacheKey)
		if err == nil {
			if call.Cacheable {
				inv.store(ctx, call, cacheKey, update)
			}
			return update, nil
		}
		lastErr = err

		// Cancellation and missing fields are not provider faults;
		// no fallback will fix them.
		if errors.Is(err, context.Canceled) {
			break
		}
		if i < len(call.Variants)-1 {
			logger.Warn().
				Str("session_id", call.SessionID).
				Str("node", call.Node).
				Int("variant", i).
				Err(err).
				Msg("task variant failed, trying fallback")
		}
	}
	return nil, lastErr
}

// callWithRetry runs a single task variant, retrying transient failures
// with linear backoff up to the configured attempt budget. Every
// physical call produces one execution record.
func (inv *Invoker) callWithRetry(ctx context.Context, call Invocation, task TaskFunc, cacheKey string) (pkg.Fields, error) {
	var update pkg.Fields

	operation := func() error {
		attempt := inv.nextAttempt(call.SessionID, call.Node)
		start := time.Now()

		callCtx := ctx
		var cancel context.CancelFunc
		if call.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		}
		result, err := task(callCtx, call.Input)
		if cancel != nil {
			cancel()
		}
		duration := time.Since(start)

		if err != nil {
			// A timed-out node is a failed node, not a crash.
			if errors.Is(err, context.DeadlineExceeded) {
				err = pkg.NewTransientError(call.Node, err)
			}
			inv.record(ctx, call, attempt, pkg.ExecFailure, duration, pkg.ErrorKind(err), cacheKey)
			if pkg.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		inv.record(ctx, call, attempt, pkg.ExecSuccess, duration, "", cacheKey)
		update = result
		return nil
	}

	base := time.Duration(inv.cfg.BackoffSeconds * float64(time.Second))
	policy := backoff.WithContext(newLinearBackOff(base, inv.cfg.MaxAttempts), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return update, nil
}

func (inv *Invoker) store(ctx context.Context, call Invocation, cacheKey string, update pkg.Fields) {
	data, err := sonic.Marshal(update)
	if err != nil {
		logger.Warn().Str("node", call.Node).Err(err).Msg("failed to encode task output for cache")
		return
	}
	if err := inv.cache.Put(ctx, cacheKey, data, call.Tier); err != nil {
		logger.Warn().Str("node", call.Node).Err(err).Msg("cache write failed")
	}
}
